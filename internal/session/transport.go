package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// PortInfo describes a USB serial port that matches the device filter.
type PortInfo struct {
	Name         string `json:"name"`
	VID          string `json:"vid"`
	PID          string `json:"pid"`
	SerialNumber string `json:"serial_number"`
	Product      string `json:"product"`
}

// ListPorts enumerates USB serial ports with the given vendor/product ids.
// Empty vid or pid matches any.
func ListPorts(vid, pid string) ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate ports: %w", err)
	}

	result := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		if vid != "" && !strings.EqualFold(p.VID, vid) {
			continue
		}
		if pid != "" && !strings.EqualFold(p.PID, pid) {
			continue
		}
		result = append(result, PortInfo{
			Name:         p.Name,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}

	return result, nil
}

// ConnectorConfig selects the port and how it is opened.
type ConnectorConfig struct {
	Port         string // fixed port name; empty means auto-detect by VID/PID
	VID          string
	PID          string
	BaudRate     int
	PollInterval time.Duration
	Handshake    string // written right after open to switch the device into RPC mode
}

// Connector watches for the device and attaches the client whenever a
// matching port shows up while the client is detached.
type Connector struct {
	cfg    ConnectorConfig
	client *Client
	logger *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
	port     string
}

func NewConnector(cfg ConnectorConfig, client *Client, logger *zap.Logger) *Connector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 230400
	}
	return &Connector{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins watching for the device.
func (c *Connector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.wg.Add(1)
	go c.watchLoop()

	c.logger.Info("Device connector started",
		zap.String("port", c.cfg.Port),
		zap.String("vid", c.cfg.VID),
		zap.String("pid", c.cfg.PID),
		zap.Duration("interval", c.cfg.PollInterval))
}

// Stop stops watching and detaches the client.
func (c *Connector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.client.Detach(fmt.Errorf("connector stopped"))
	c.logger.Info("Device connector stopped")
}

// Port returns the name of the last attached port.
func (c *Connector) Port() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

func (c *Connector) watchLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.tryAttach()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.tryAttach()
		}
	}
}

func (c *Connector) tryAttach() {
	if c.client.State() == Attached {
		return
	}

	name := c.cfg.Port
	if name == "" {
		ports, err := ListPorts(c.cfg.VID, c.cfg.PID)
		if err != nil {
			c.logger.Error("Port enumeration failed", zap.Error(err))
			return
		}
		if len(ports) == 0 {
			return
		}
		name = ports[0].Name
	}

	port, err := serial.Open(name, &serial.Mode{BaudRate: c.cfg.BaudRate})
	if err != nil {
		c.logger.Debug("Opening port failed", zap.String("port", name), zap.Error(err))
		return
	}

	if c.cfg.Handshake != "" {
		if _, err := port.Write([]byte(c.cfg.Handshake)); err != nil {
			c.logger.Warn("Handshake failed", zap.String("port", name), zap.Error(err))
			port.Close()
			return
		}
	}

	c.mu.Lock()
	c.port = name
	c.mu.Unlock()

	c.logger.Info("Device port opened", zap.String("port", name))
	c.client.Attach(port)
}
