package hardware

import (
	"io"
	"sort"
	"strings"
	"time"

	tarm "github.com/tarm/serial"
	"github.com/wfunc/jutta-brewer/internal/config"
	"github.com/wfunc/jutta-brewer/internal/errors"
	"github.com/wfunc/jutta-brewer/internal/logger"
	bugst "go.bug.st/serial"
	"go.uber.org/zap"
)

// 串口后端
const (
	BackendBugst = "bugst"
	BackendTarm  = "tarm"
)

// bugstPort go.bug.st/serial 串口，Flush对应tcdrain
type bugstPort struct {
	bugst.Port
}

// Flush 等待输出缓冲区发送完毕
func (p *bugstPort) Flush() error {
	return p.Port.Drain()
}

// tarmPort github.com/tarm/serial 串口
type tarmPort struct {
	port *tarm.Port
}

// Read 读超时在tarm中表现为io.EOF，这里统一为读到0字节
func (p *tarmPort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

func (p *tarmPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *tarmPort) Close() error {
	return p.port.Close()
}

// Flush tarm的Flush会丢弃未发送的数据，写入本身是阻塞的，这里不做处理
func (p *tarmPort) Flush() error {
	return nil
}

// OpenSerialPort 按配置打开串口
func OpenSerialPort(cfg *config.SerialConfig) (SerialPort, error) {
	log := logger.GetModuleLogger("serial")

	var (
		port SerialPort
		err  error
	)
	switch cfg.Backend {
	case BackendTarm:
		port, err = openTarm(cfg)
	case BackendBugst, "":
		port, err = openBugst(cfg)
	default:
		return nil, errors.Newf(errors.ErrSerialPortOpen, "unknown serial backend %q", cfg.Backend)
	}

	if err != nil {
		log.Error("Failed to open serial port",
			zap.String("port", cfg.Port),
			zap.String("backend", cfg.Backend),
			zap.Error(err))
		return nil, errors.Wrapf(err, errors.ErrSerialPortOpen, "open %s", cfg.Port)
	}

	log.Info("Serial port opened",
		zap.String("port", cfg.Port),
		zap.String("backend", cfg.Backend),
		zap.Int("baud_rate", cfg.BaudRate))
	return port, nil
}

func openBugst(cfg *config.SerialConfig) (SerialPort, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   bugstParity(cfg.Parity),
		StopBits: bugst.OneStopBit,
	}
	if cfg.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}

	port, err := bugst.Open(cfg.Port, mode)
	if err != nil {
		return nil, err
	}

	if err := port.SetReadTimeout(readTimeout(cfg)); err != nil {
		port.Close()
		return nil, err
	}
	return &bugstPort{Port: port}, nil
}

func openTarm(cfg *config.SerialConfig) (SerialPort, error) {
	c := &tarm.Config{
		Name:        cfg.Port,
		Baud:        cfg.BaudRate,
		Size:        byte(cfg.DataBits),
		Parity:      tarmParity(cfg.Parity),
		StopBits:    tarm.Stop1,
		ReadTimeout: readTimeout(cfg),
	}
	if cfg.StopBits == 2 {
		c.StopBits = tarm.Stop2
	}

	port, err := tarm.OpenPort(c)
	if err != nil {
		return nil, err
	}
	return &tarmPort{port: port}, nil
}

func readTimeout(cfg *config.SerialConfig) time.Duration {
	if cfg.ReadTimeout <= 0 {
		return 10 * time.Millisecond
	}
	return cfg.ReadTimeout
}

func bugstParity(p string) bugst.Parity {
	switch strings.ToLower(p) {
	case "o", "odd":
		return bugst.OddParity
	case "e", "even":
		return bugst.EvenParity
	default:
		return bugst.NoParity
	}
}

func tarmParity(p string) tarm.Parity {
	switch strings.ToLower(p) {
	case "o", "odd":
		return tarm.ParityOdd
	case "e", "even":
		return tarm.ParityEven
	default:
		return tarm.ParityNone
	}
}

// ListPorts 列出系统中的串口
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrSerialPortOpen, "enumerate serial ports")
	}
	sort.Strings(ports)
	return ports, nil
}
