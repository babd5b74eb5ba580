package client

import (
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
)

/*
Network address of one etcd server
*/
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Address()
}

func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

/*
Parses an endpoint either in the host:port form or as an url like the client urls advertised by
etcd members (ex: https://127.0.0.1:2379).
*/
func ParseEndpoint(addr string) (Endpoint, error) {
	hostPort := strings.TrimSpace(addr)
	if strings.Contains(hostPort, "://") {
		u, err := url.Parse(hostPort)
		if err != nil {
			return Endpoint{}, fmt.Errorf("Failed to parse endpoint url %s: %w", addr, err)
		}
		hostPort = u.Host
	}

	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Endpoint{}, fmt.Errorf("Failed to parse endpoint %s: %w", addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("Failed to parse endpoint %s: invalid port '%s'", addr, portStr)
	}

	return Endpoint{Host: host, Port: port}, nil
}

func ParseEndpoints(addrs []string) ([]Endpoint, error) {
	endpoints := []Endpoint{}
	for _, addr := range addrs {
		endpoint, err := ParseEndpoint(addr)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

/*
Holds the candidate endpoints and the currently selected one.
Implementations must be safe for concurrent use.
*/
type EndpointRegistry interface {
	//Picks a new current endpoint among the candidates. Returns ErrNoEndpoints if there are none.
	Select() (Endpoint, error)
	//Returns the current endpoint and false if none was ever selected
	Current() (Endpoint, bool)
	//Replaces the candidates used by future calls to Select. The current endpoint is kept.
	ReplaceCandidates(candidates []Endpoint)
	Candidates() []Endpoint
}

/*
Registry selecting uniformly at random among its candidates.
Both the candidate set and the current endpoint are swapped atomically and never mutated in place.
*/
type RandomRegistry struct {
	candidates atomic.Pointer[[]Endpoint]
	current    atomic.Pointer[Endpoint]
}

func NewRandomRegistry(candidates []Endpoint) *RandomRegistry {
	reg := &RandomRegistry{}
	reg.ReplaceCandidates(candidates)
	return reg
}

func (reg *RandomRegistry) Select() (Endpoint, error) {
	candidates := reg.candidates.Load()
	if candidates == nil || len(*candidates) == 0 {
		return Endpoint{}, ErrNoEndpoints
	}

	selected := (*candidates)[rand.Intn(len(*candidates))]
	reg.current.Store(&selected)
	return selected, nil
}

func (reg *RandomRegistry) Current() (Endpoint, bool) {
	current := reg.current.Load()
	if current == nil {
		return Endpoint{}, false
	}
	return *current, true
}

func (reg *RandomRegistry) ReplaceCandidates(candidates []Endpoint) {
	copied := make([]Endpoint, len(candidates))
	copy(copied, candidates)
	reg.candidates.Store(&copied)
}

func (reg *RandomRegistry) Candidates() []Endpoint {
	candidates := reg.candidates.Load()
	if candidates == nil {
		return []Endpoint{}
	}
	copied := make([]Endpoint, len(*candidates))
	copy(copied, *candidates)
	return copied
}
