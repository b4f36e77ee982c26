package balancer

import (
	"errors"
	"net"
	"strconv"
	"sync/atomic"
)

var ErrNoTarget = errors.New("no service instance available")

// Balancer picks the instance for the next call, it must be goroutine safe
type Balancer interface {
	Pick(targets []string) (string, error)
	Name() string
}

type roundRobin struct {
	next uint64
}

// NewRoundRobin spreads calls evenly, all instances of a pool are alike
func NewRoundRobin() Balancer {
	return &roundRobin{}
}

func (r *roundRobin) Pick(targets []string) (string, error) {
	if len(targets) == 0 {
		return "", ErrNoTarget
	}
	n := atomic.AddUint64(&r.next, 1) - 1
	return targets[n%uint64(len(targets))], nil
}

func (r *roundRobin) Name() string {
	return "round-robin"
}

// Targets returns host:port for every port of a pool
func Targets(host string, ports []int) []string {
	targets := make([]string, 0, len(ports))
	for _, port := range ports {
		targets = append(targets, net.JoinHostPort(host, strconv.Itoa(port)))
	}
	return targets
}
