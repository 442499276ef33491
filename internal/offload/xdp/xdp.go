// Package xdp attaches a compiled redirector program to an interface's XDP
// hook, sharing the redirection table with it through the program's map.
package xdp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"firestige.xyz/portredir/internal/core"
	"firestige.xyz/portredir/internal/table"
)

// License is the license string the kernel program must declare.
const License = "GPL"

const (
	DefaultProgram = "redirect_ports"
	DefaultMap     = table.MapName
)

// Options configures Attach.
type Options struct {
	ObjectPath string
	Interface  string
	Program    string       // default redirect_ports
	Map        string       // default port_map
	Mode       string       // generic | driver | offload, default generic
	Table      *table.EBPF  // map shared with the program
	Logger     *slog.Logger // default slog.Default
}

// Offload is an attached XDP program. Close detaches it.
type Offload struct {
	mu     sync.Mutex
	coll   *ebpf.Collection
	link   link.Link
	iface  string
	logger *slog.Logger
}

// Attach loads opts.ObjectPath, binds its map to opts.Table and attaches the
// program to opts.Interface.
func Attach(opts Options) (*Offload, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Program == "" {
		opts.Program = DefaultProgram
	}
	if opts.Map == "" {
		opts.Map = DefaultMap
	}
	if opts.ObjectPath == "" {
		return nil, fmt.Errorf("%w: xdp: object path required", core.ErrConfigInvalid)
	}
	if opts.Interface == "" {
		return nil, fmt.Errorf("%w: xdp: interface name required", core.ErrConfigInvalid)
	}
	if opts.Table == nil || opts.Table.Map() == nil {
		return nil, fmt.Errorf("%w: xdp: an open ebpf table is required", core.ErrConfigInvalid)
	}
	flags, err := parseMode(opts.Mode)
	if err != nil {
		return nil, err
	}

	iface, err := net.InterfaceByName(opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("xdp: lookup interface %s: %w", opts.Interface, err)
	}

	spec, err := ebpf.LoadCollectionSpec(opts.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("xdp: load collection spec: %w", err)
	}
	if err := checkSpec(spec, opts.Program, opts.Map, opts.Table.Capacity()); err != nil {
		return nil, err
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		MapReplacements: map[string]*ebpf.Map{opts.Map: opts.Table.Map()},
	})
	if err != nil {
		return nil, fmt.Errorf("xdp: create collection: %w", err)
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   coll.Programs[opts.Program],
		Interface: iface.Index,
		Flags:     flags,
	})
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("xdp: attach to %s: %w", opts.Interface, err)
	}

	o := &Offload{
		coll:   coll,
		link:   l,
		iface:  opts.Interface,
		logger: opts.Logger.With("component", "xdp"),
	}
	o.logger.Info("xdp program attached",
		"interface", opts.Interface,
		"program", opts.Program,
		"map", opts.Map,
		"mode", opts.Mode)
	return o, nil
}

// checkSpec verifies the object carries the expected program and a map the
// table can replace.
func checkSpec(spec *ebpf.CollectionSpec, program, mapName string, capacity int) error {
	ps, ok := spec.Programs[program]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrProgramNotFound, program)
	}
	if ps.Type != ebpf.XDP {
		return fmt.Errorf("%w: program %s has type %s, want XDP", core.ErrConfigInvalid, program, ps.Type)
	}
	if ps.License != License {
		return fmt.Errorf("%w: program %s has license %q, want %q", core.ErrConfigInvalid, program, ps.License, License)
	}

	ms, ok := spec.Maps[mapName]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrMapNotFound, mapName)
	}
	want := table.MapSpec(capacity)
	if ms.Type != want.Type || ms.KeySize != want.KeySize || ms.ValueSize != want.ValueSize {
		return fmt.Errorf("%w: map %s is %s key=%d value=%d, want %s key=%d value=%d",
			core.ErrConfigInvalid, mapName, ms.Type, ms.KeySize, ms.ValueSize,
			want.Type, want.KeySize, want.ValueSize)
	}
	if ms.MaxEntries != want.MaxEntries {
		return fmt.Errorf("%w: map %s holds %d entries, table capacity is %d",
			core.ErrConfigInvalid, mapName, ms.MaxEntries, capacity)
	}
	return nil
}

func parseMode(mode string) (link.XDPAttachFlags, error) {
	switch mode {
	case "", "generic":
		return link.XDPGenericMode, nil
	case "driver":
		return link.XDPDriverMode, nil
	case "offload":
		return link.XDPOffloadMode, nil
	default:
		return 0, fmt.Errorf("%w: unknown xdp mode %q", core.ErrConfigInvalid, mode)
	}
}

// Interface returns the name of the interface the program is attached to.
func (o *Offload) Interface() string { return o.iface }

// Close detaches the program. The shared map stays open; it belongs to the table.
func (o *Offload) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	if o.link != nil {
		if err := o.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("detach: %w", err))
		}
		o.link = nil
	}
	if o.coll != nil {
		o.coll.Close()
		o.coll = nil
		o.logger.Info("xdp program detached", "interface", o.iface)
	}
	return errors.Join(errs...)
}
