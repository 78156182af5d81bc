package shortcut

import (
	"context"
	"net"

	"github.com/grandcat/zeroconf"
)

// Server is a running mDNS service registration.
type Server interface {
	Shutdown()
}

// ServerFactory creates mDNS service registrations. Abstracted so tests can
// inject a fake instead of touching the network.
type ServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error)
}

type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// ServiceEntry is a browsed mDNS record, trimmed to what this package needs.
type ServiceEntry struct {
	Instance string
	Port     int
	AddrIPv4 []net.IP
	AddrIPv6 []net.IP
}

// PreferredAddr returns the entry's best address: a global IPv6 address if
// present, otherwise the first IPv6 address, otherwise the first IPv4
// address.
func (e *ServiceEntry) PreferredAddr() net.IP {
	for _, ip := range e.AddrIPv6 {
		if ip.IsGlobalUnicast() {
			return ip
		}
	}
	if len(e.AddrIPv6) > 0 {
		return e.AddrIPv6[0]
	}
	if len(e.AddrIPv4) > 0 {
		return e.AddrIPv4[0]
	}
	return nil
}

// ResolverFactory browses for mDNS service instances. Abstracted so tests
// can inject a fake instead of touching the network.
type ResolverFactory interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *ServiceEntry) error
}

type zeroconfResolverFactory struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolverFactory() (*zeroconfResolverFactory, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolverFactory{resolver: r}, nil
}

func (z *zeroconfResolverFactory) Browse(ctx context.Context, service, domain string, entries chan<- *ServiceEntry) error {
	raw := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range raw {
			entries <- &ServiceEntry{
				Instance: e.Instance,
				Port:     e.Port,
				AddrIPv4: e.AddrIPv4,
				AddrIPv6: e.AddrIPv6,
			}
		}
	}()
	err := z.resolver.Browse(ctx, service, domain, raw)
	close(raw)
	<-done
	return err
}
