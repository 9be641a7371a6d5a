package modbusadu

import "encoding/binary"

// Transactor sends one PDU and returns the response PDU (function code
// first), used to let PDUClient work over either RTU or ASCII framing.
type Transactor interface {
	Transact(pdu []byte) ([]byte, error)
}

// PDUClient implements mapping.ModbusClient by building request PDUs and
// delegating the framed exchange to a Transactor.
type PDUClient struct {
	T Transactor
}

func (c *PDUClient) read(fc byte, address, quantity uint16) ([]byte, error) {
	req := make([]byte, 5)
	req[0] = fc
	binary.BigEndian.PutUint16(req[1:3], address)
	binary.BigEndian.PutUint16(req[3:5], quantity)
	resp, err := c.T.Transact(req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, errShortResponse
	}
	byteCount := int(resp[1])
	if len(resp) < 2+byteCount {
		return nil, errShortResponse
	}
	return resp[2 : 2+byteCount], nil
}

func (c *PDUClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.read(0x01, address, quantity)
}

func (c *PDUClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return c.read(0x02, address, quantity)
}

func (c *PDUClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.read(0x03, address, quantity)
}

func (c *PDUClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.read(0x04, address, quantity)
}

func (c *PDUClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	req := make([]byte, 5)
	req[0] = 0x05
	binary.BigEndian.PutUint16(req[1:3], address)
	binary.BigEndian.PutUint16(req[3:5], value)
	return c.T.Transact(req)
}

func (c *PDUClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	req := make([]byte, 5)
	req[0] = 0x06
	binary.BigEndian.PutUint16(req[1:3], address)
	binary.BigEndian.PutUint16(req[3:5], value)
	return c.T.Transact(req)
}

func (c *PDUClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	req := make([]byte, 6+len(value))
	req[0] = 0x0F
	binary.BigEndian.PutUint16(req[1:3], address)
	binary.BigEndian.PutUint16(req[3:5], quantity)
	req[5] = byte(len(value))
	copy(req[6:], value)
	return c.T.Transact(req)
}

func (c *PDUClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	req := make([]byte, 6+len(value))
	req[0] = 0x10
	binary.BigEndian.PutUint16(req[1:3], address)
	binary.BigEndian.PutUint16(req[3:5], quantity)
	req[5] = byte(len(value))
	copy(req[6:], value)
	return c.T.Transact(req)
}

var errShortResponse = shortRespErr{}

type shortRespErr struct{}

func (shortRespErr) Error() string { return "modbusadu: response shorter than declared byte count" }
