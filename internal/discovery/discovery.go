// Package discovery announces and finds mace servers on the local network
// over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	Service = "_mace._tcp"
	Domain  = "local."
)

var ErrNotFound = errors.New("no mace server found")

// Advertise registers the server under this host's name and keeps the
// registration alive until ctx is done.
func Advertise(ctx context.Context, port int, version string, log *logrus.Logger) error {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("mace-%s", host)
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{"path=/", "version=" + version}, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	defer server.Shutdown()
	log.WithFields(logrus.Fields{"instance": instance, "port": port}).Info("mdns service registered")
	<-ctx.Done()
	return nil
}

// Browse returns the websocket URL of the first server that answers before
// ctx is done.
func Browse(ctx context.Context, log *logrus.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mdns resolver: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return "", fmt.Errorf("browse mdns: %w", err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if u := entryURL(entry); u != "" {
				log.WithFields(logrus.Fields{"instance": entry.Instance, "url": u}).Info("mdns discovered server")
				return u, nil
			}
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

func entryURL(entry *zeroconf.ServiceEntry) string {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return ""
	}
	path := "/"
	for _, txt := range entry.Text {
		if v, ok := strings.CutPrefix(txt, "path="); ok && v != "" {
			path = v
		}
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + path
}
