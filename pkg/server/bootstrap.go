package server

import (
	"github.com/sirupsen/logrus"

	"github.com/aeolun/memdb-socket/pkg/socket"
)

// BootstrapOptions controls the startup pipeline
type BootstrapOptions struct {
	ReuseAddress bool
	Backlog      int
	Log          logrus.FieldLogger
}

// Bootstrap walks a fresh stream socket through configure, bind and listen.
// Any stage failure closes the handle and is returned unchanged, so callers
// can match it against socket.ErrAllocation, ErrConfig, ErrBind or
// ErrListen.
func Bootstrap(spec socket.AddressSpec, opts BootstrapOptions) (*socket.Handle, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	h, err := socket.Create(spec.Domain, socket.Stream, socket.TCP)
	if err != nil {
		return nil, err
	}

	if err := bootstrap(h, spec, opts, log); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func bootstrap(h *socket.Handle, spec socket.AddressSpec, opts BootstrapOptions, log logrus.FieldLogger) error {
	if opts.ReuseAddress {
		if err := socket.Configure(h); err != nil {
			return err
		}
	}

	if err := socket.Bind(h, spec); err != nil {
		return err
	}

	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = socket.DefaultBacklog
	}
	if err := socket.Listen(h, backlog); err != nil {
		return err
	}

	bound, err := socket.LocalAddress(h)
	if err != nil {
		return err
	}
	logListenBacklog(log, bound.String(), backlog)
	return nil
}
