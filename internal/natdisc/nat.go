// Package natdisc discovers and maintains a port mapping on the node's
// home router, so the P2P loop's inbound listener is reachable from the
// public internet even behind NAT. It is a direct descendant of the
// node's original NAT abstraction, trimmed to the two mechanisms this
// module actually needs (a fixed external IP, and NAT-PMP) and with
// UPnP discovery rebuilt on top of the same gateway client library.
package natdisc

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	natpmp "github.com/jackpal/go-nat-pmp"

	"github.com/psq/stacks-blockchain/internal/xlog"
)

// Interface maps a local port to one reachable from the internet.
type Interface interface {
	AddMapping(protocol string, extport, intport int, name string, lifetime time.Duration) error
	DeleteMapping(protocol string, extport, intport int) error
	ExternalIP() (net.IP, error)
	String() string
}

// Parse parses a NAT interface description. Accepted forms:
//
//	"" or "none"       no mapping, used only if the node is reachable directly
//	"extip:1.2.3.4"    assume the local machine is reachable on the given IP
//	"any"              try UPnP and NAT-PMP, use whichever answers first
//	"upnp"             Universal Plug and Play
//	"pmp"              NAT-PMP, gateway auto-detected
//	"pmp:192.168.0.1"  NAT-PMP against a specific gateway
func Parse(spec string) (Interface, error) {
	parts := strings.SplitN(spec, ":", 2)
	mech := strings.ToLower(parts[0])
	var ip net.IP
	if len(parts) > 1 {
		ip = net.ParseIP(parts[1])
		if ip == nil {
			return nil, errors.New("natdisc: invalid IP address")
		}
	}
	switch mech {
	case "", "none", "off":
		return nil, nil
	case "any", "auto", "on":
		return Any(), nil
	case "extip", "ip":
		if ip == nil {
			return nil, errors.New("natdisc: missing IP address")
		}
		return ExtIP(ip), nil
	case "upnp":
		return UPnP(), nil
	case "pmp", "natpmp", "nat-pmp":
		return PMP(ip), nil
	default:
		return nil, fmt.Errorf("natdisc: unknown mechanism %q", parts[0])
	}
}

const (
	mapTimeout        = 20 * time.Minute
	mapUpdateInterval = 15 * time.Minute
)

// Map adds a port mapping on m and keeps it refreshed until c is closed.
// Typically run in its own goroutine alongside the P2P loop.
func Map(m Interface, c chan struct{}, protocol string, extport, intport int, name string) {
	log := xlog.New("component", "natdisc", "proto", protocol, "extport", extport, "intport", intport, "interface", m.String())
	refresh := time.NewTimer(mapUpdateInterval)
	defer func() {
		refresh.Stop()
		log.Debug("deleting port mapping")
		m.DeleteMapping(protocol, extport, intport)
	}()
	if err := m.AddMapping(protocol, extport, intport, name, mapTimeout); err != nil {
		log.Debug("couldn't add port mapping", "err", err)
	} else {
		log.Info("mapped network port")
	}
	for {
		select {
		case _, ok := <-c:
			if !ok {
				return
			}
		case <-refresh.C:
			if err := m.AddMapping(protocol, extport, intport, name, mapTimeout); err != nil {
				log.Debug("couldn't refresh port mapping", "err", err)
			}
			refresh.Reset(mapUpdateInterval)
		}
	}
}

// ExtIP assumes the local machine is reachable on the given IP and that
// any required ports were mapped out of band.
type ExtIP net.IP

func (n ExtIP) ExternalIP() (net.IP, error) { return net.IP(n), nil }
func (n ExtIP) String() string              { return fmt.Sprintf("ExtIP(%v)", net.IP(n)) }
func (ExtIP) AddMapping(string, int, int, string, time.Duration) error { return nil }
func (ExtIP) DeleteMapping(string, int, int) error                     { return nil }

// Any tries UPnP and NAT-PMP concurrently and uses whichever responds first.
func Any() Interface {
	return startautodisc("UPnP or NAT-PMP", func() Interface {
		found := make(chan Interface, 2)
		go func() { found <- discoverUPnP() }()
		go func() { found <- discoverPMP() }()
		for i := 0; i < cap(found); i++ {
			if c := <-found; c != nil {
				return c
			}
		}
		return nil
	})
}

// UPnP discovers the home router's Universal Plug and Play gateway.
func UPnP() Interface {
	return startautodisc("UPnP", discoverUPnP)
}

// PMP uses NAT-PMP against gateway, or auto-detects the gateway if nil.
func PMP(gateway net.IP) Interface {
	if gateway != nil {
		return &pmp{gw: gateway, c: natpmp.NewClient(gateway)}
	}
	return startautodisc("NAT-PMP", discoverPMP)
}

type pmp struct {
	gw net.IP
	c  *natpmp.Client
}

func (n *pmp) ExternalIP() (net.IP, error) {
	res, err := n.c.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	ip := res.ExternalIPAddress
	return net.IPv4(ip[0], ip[1], ip[2], ip[3]), nil
}

func (n *pmp) AddMapping(protocol string, extport, intport int, name string, lifetime time.Duration) error {
	protocol = strings.ToUpper(protocol)
	if protocol == "TCP" {
		_, err := n.c.AddPortMapping("tcp", intport, extport, int(lifetime/time.Second))
		return err
	}
	_, err := n.c.AddPortMapping("udp", intport, extport, int(lifetime/time.Second))
	return err
}

func (n *pmp) DeleteMapping(protocol string, extport, intport int) error {
	protocol = strings.ToUpper(protocol)
	if protocol == "TCP" {
		_, err := n.c.AddPortMapping("tcp", intport, 0, 0)
		return err
	}
	_, err := n.c.AddPortMapping("udp", intport, 0, 0)
	return err
}

func (n *pmp) String() string { return fmt.Sprintf("NAT-PMP(%v)", n.gw) }

// discoverPMP guesses the home router's address as the local interface's
// subnet gateway (its IP with the last octet set to 1) and probes it with
// NAT-PMP; jackpal/go-nat-pmp itself only dials a known gateway, it does
// not discover one.
func discoverPMP() Interface {
	localIP, err := localAddr()
	if err != nil {
		return nil
	}
	ip := net.ParseIP(localIP).To4()
	if ip == nil {
		return nil
	}
	gw := net.IPv4(ip[0], ip[1], ip[2], 1)

	c := natpmp.NewClient(gw)
	if _, err := c.GetExternalAddress(); err != nil {
		return nil
	}
	return &pmp{gw: gw, c: c}
}

// discoverUPnP searches the local network for an InternetGatewayDevice
// implementing WANIPConnection and wraps the first one found.
func discoverUPnP() Interface {
	clients, errs, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil {
		xlog.New("component", "natdisc").Debug("upnp discovery failed", "err", err)
	}
	for _, e := range errs {
		if e != nil {
			xlog.New("component", "natdisc").Debug("upnp probe error", "err", e)
		}
	}
	if len(clients) == 0 {
		return nil
	}
	return &upnpClient{client: clients[0]}
}

type upnpClient struct {
	client *internetgateway1.WANIPConnection1
}

func (u *upnpClient) ExternalIP() (net.IP, error) {
	ipStr, err := u.client.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("natdisc: upnp returned invalid IP %q", ipStr)
	}
	return ip, nil
}

func (u *upnpClient) AddMapping(protocol string, extport, intport int, name string, lifetime time.Duration) error {
	localIP, err := localAddr()
	if err != nil {
		return err
	}
	return u.client.AddPortMapping("", uint16(extport), strings.ToUpper(protocol), uint16(intport), localIP, true, name, uint32(lifetime/time.Second))
}

func (u *upnpClient) DeleteMapping(protocol string, extport, intport int) error {
	return u.client.DeletePortMapping("", uint16(extport), strings.ToUpper(protocol))
}

func (u *upnpClient) String() string { return "UPnP" }

func localAddr() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// autodisc represents a port mapping mechanism that is still being
// auto-discovered; calls block until discovery finishes.
type autodisc struct {
	what string
	once sync.Once
	doit func() Interface

	mu    sync.Mutex
	found Interface
}

func startautodisc(what string, doit func() Interface) Interface {
	return &autodisc{what: what, doit: doit}
}

func (n *autodisc) AddMapping(protocol string, extport, intport int, name string, lifetime time.Duration) error {
	if err := n.wait(); err != nil {
		return err
	}
	return n.found.AddMapping(protocol, extport, intport, name, lifetime)
}

func (n *autodisc) DeleteMapping(protocol string, extport, intport int) error {
	if err := n.wait(); err != nil {
		return err
	}
	return n.found.DeleteMapping(protocol, extport, intport)
}

func (n *autodisc) ExternalIP() (net.IP, error) {
	if err := n.wait(); err != nil {
		return nil, err
	}
	return n.found.ExternalIP()
}

func (n *autodisc) String() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.found == nil {
		return n.what
	}
	return n.found.String()
}

func (n *autodisc) wait() error {
	n.once.Do(func() {
		n.mu.Lock()
		n.found = n.doit()
		n.mu.Unlock()
	})
	if n.found == nil {
		return fmt.Errorf("natdisc: no %s router discovered", n.what)
	}
	return nil
}
