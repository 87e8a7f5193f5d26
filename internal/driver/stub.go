package driver

import "errors"

// ErrNoHardwareDriver is returned by the stub MachineDetector/BotFactory
// when no real device driver library has been wired in. The vendor SDK
// that talks to actual print hardware (serial handshake, gcode→binary
// framing) is an external dependency this module only declares interfaces
// for (§6 "Device driver library (consumed)"); a deployment links a real
// implementation in behind these same interfaces.
var ErrNoHardwareDriver = errors.New("driver: no hardware driver library configured")

// NullMachineDetector reports no attached ports. It lets the detector loop
// and everything downstream of it run end-to-end without a real device
// library present.
type NullMachineDetector struct{}

func (NullMachineDetector) GetAvailableMachines() (map[string]MachineInfo, error) {
	return map[string]MachineInfo{}, nil
}

// NullBotFactory always fails to build a driver, since constructing one
// requires the external hardware SDK.
type NullBotFactory struct{}

func (NullBotFactory) BuildFromPort(portID string, verify bool) (Printer, string, error) {
	return nil, "", ErrNoHardwareDriver
}

// NullFileReader always fails, for the same reason: validating a produced
// binary artifact requires the vendor SDK's parser.
type NullFileReader struct{}

func (NullFileReader) ReadFile(path string, progressCB func(percent float64)) error {
	return ErrNoHardwareDriver
}

// NullPrinterFactory is a driver.Printer constructor usable as
// registry.Registry's PrinterFactory when no hardware SDK is configured.
func NullPrinterFactory() (Printer, error) {
	return nil, ErrNoHardwareDriver
}
