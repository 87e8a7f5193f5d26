// Package detector implements the dedicated cooperative loop that tracks
// attach/detach of printers (§4.5): poll the device library, diff against
// the known set, honor the blacklist, and publish the result to the
// registry.
package detector

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/maydaying/conveyor/internal/driver"
	"github.com/maydaying/conveyor/internal/logging"
	"github.com/maydaying/conveyor/internal/metrics"
	"github.com/maydaying/conveyor/internal/profile"
	"github.com/maydaying/conveyor/internal/registry"
)

const (
	pollInterval = 10 * time.Second
)

// PrinterHandle is an alias for the registry's handle type: the detector
// publishes directly into a registry.Registry, so the handle SpawnWorker
// returns must already satisfy AppendPrinter's parameter type.
type PrinterHandle = registry.PrinterHandle

// Registry is the subset of the server-facing registry the detector
// publishes to. §9 replaces the original's shared server back-reference
// with this explicit capability interface passed at construction.
type Registry interface {
	AppendPrinter(serialID string, handle PrinterHandle)
	RemovePrinter(portID string)
}

// SpawnWorker builds and starts a printer worker bound to portID/serialID,
// using prof (looked up by the name the device factory returned) and the
// driver.Printer the factory just produced. The caller (cmd/conveyord)
// owns wiring this to a concrete printerworker.Worker.
type SpawnWorker func(portID, serialID string, prof *profile.Profile, printer driver.Printer) (PrinterHandle, error)

// Detector runs the attach/detach diff loop.
type Detector struct {
	machines driver.MachineDetector
	bots     driver.BotFactory
	profiles *profile.Store
	registry Registry
	spawn    SpawnWorker

	blacklistTTL time.Duration

	mu        sync.Mutex
	known     map[string]driver.MachineInfo
	blacklist map[string]time.Time

	stopCh chan struct{}
	wakeCh chan struct{}
	done   chan struct{}
}

// New builds a Detector. blacklistTTL is the cool-off period applied by
// Blacklist.
func New(machines driver.MachineDetector, bots driver.BotFactory, profiles *profile.Store, reg Registry, spawn SpawnWorker, blacklistTTL time.Duration) *Detector {
	return &Detector{
		machines:     machines,
		bots:         bots,
		profiles:     profiles,
		registry:     reg,
		spawn:        spawn,
		blacklistTTL: blacklistTTL,
		known:        make(map[string]driver.MachineInfo),
		blacklist:    make(map[string]time.Time),
		stopCh:       make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Blacklist suppresses port re-attach until the configured TTL elapses
// (§4.5 "Blacklisting"). Typically called by a printer worker that just
// crashed.
func (d *Detector) Blacklist(portID string) {
	d.mu.Lock()
	d.blacklist[portID] = time.Now().Add(d.blacklistTTL)
	metrics.PrintersBlacklisted.Set(float64(len(d.blacklist)))
	d.mu.Unlock()
}

// Stop requests the loop exit after its current iteration.
func (d *Detector) Stop() {
	close(d.stopCh)
	d.wake()
}

// Done is closed once Run returns.
func (d *Detector) Done() <-chan struct{} { return d.done }

func (d *Detector) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Run executes the detection loop until Stop is called. It must be run on
// its own goroutine.
func (d *Detector) Run() {
	defer close(d.done)
	log := logging.WithComponent("detector")

	for {
		d.iterate(log)

		select {
		case <-d.stopCh:
			return
		default:
		}

		select {
		case <-d.wakeCh:
		case <-time.After(pollInterval):
		case <-d.stopCh:
			return
		}
	}
}

func (d *Detector) iterate(log zerolog.Logger) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DetectorCycleDuration)

	d.purgeBlacklist()

	available, err := d.machines.GetAvailableMachines()
	if err != nil {
		log.Warn().Err(err).Msg("failed to enumerate available machines")
		return
	}

	d.mu.Lock()
	blacklisted := make(map[string]bool, len(d.blacklist))
	for port := range d.blacklist {
		blacklisted[port] = true
	}
	known := d.known
	d.mu.Unlock()

	fresh := make(map[string]driver.MachineInfo)
	for port, info := range available {
		if blacklisted[port] {
			continue
		}
		fresh[port] = info
	}

	for port := range known {
		if _, ok := fresh[port]; !ok {
			d.registry.RemovePrinter(port)
			metrics.DetachEventsTotal.Inc()
			log.Info().Str("port_id", port).Msg("printer detached")
		}
	}

	for port, info := range fresh {
		if _, ok := known[port]; ok {
			continue
		}
		d.attach(log, port, info)
	}

	d.mu.Lock()
	// §9 open question: replace known with the full available set
	// (including currently-blacklisted ports), not the filtered "fresh"
	// set — a blacklisted port stays "known" so it is not re-attached the
	// instant its cool-off expires without a genuine detach in between.
	d.known = available
	d.mu.Unlock()
}

func (d *Detector) purgeBlacklist() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for port, until := range d.blacklist {
		if !until.After(now) {
			delete(d.blacklist, port)
		}
	}
	metrics.PrintersBlacklisted.Set(float64(len(d.blacklist)))
}

func (d *Detector) attach(log zerolog.Logger, port string, info driver.MachineInfo) {
	printer, profileName, err := d.bots.BuildFromPort(port, true)
	if err != nil {
		log.Warn().Err(err).Str("port_id", port).Msg("failed to build driver for available port")
		return
	}

	prof, ok := d.profiles.Get(profileName)
	if !ok {
		log.Warn().Str("port_id", port).Str("profile", profileName).Msg("no such profile, skipping attach")
		printer.Close()
		return
	}

	handle, err := d.spawn(port, info.SerialID, prof, printer)
	if err != nil {
		log.Warn().Err(err).Str("port_id", port).Msg("failed to spawn printer worker")
		printer.Close()
		return
	}

	d.registry.AppendPrinter(info.SerialID, handle)
	metrics.AttachEventsTotal.Inc()
	log.Info().Str("port_id", port).Str("serial_id", info.SerialID).Msg("printer attached")
}
