package modbus

import (
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

const defaultTimeout = 5 * time.Second

// Client defines the subset of Modbus operations used by the line drivers.
type Client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	Close() error
}

// Endpoint identifies a Modbus TCP server.
type Endpoint struct {
	Address string
	UnitID  byte
	Timeout time.Duration
}

// ClientFactory creates Modbus clients for an endpoint.
type ClientFactory func(endpoint Endpoint) (Client, error)

type tcpClient struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewTCPClientFactory returns a factory that creates TCP Modbus clients.
func NewTCPClientFactory() ClientFactory {
	return func(endpoint Endpoint) (Client, error) {
		if endpoint.Address == "" {
			return nil, fmt.Errorf("modbus address is required")
		}
		handler := modbus.NewTCPClientHandler(endpoint.Address)
		handler.SlaveId = endpoint.UnitID
		handler.Timeout = endpoint.Timeout
		if handler.Timeout <= 0 {
			handler.Timeout = defaultTimeout
		}
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connect modbus %s: %w", endpoint.Address, err)
		}
		return &tcpClient{handler: handler, client: modbus.NewClient(handler)}, nil
	}
}

func (c *tcpClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return c.client.ReadCoils(address, quantity)
}

func (c *tcpClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *tcpClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadInputRegisters(address, quantity)
}

func (c *tcpClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleCoil(address, value)
}

func (c *tcpClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleRegister(address, value)
}

func (c *tcpClient) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}
