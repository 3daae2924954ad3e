package main

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/matst80/relaygate/internal/proto"
)

// Service is one entry of the catalog answered to remote gatekeepers.
type Service struct {
	Definition     string   `json:"definition"`
	Interfaces     []string `json:"interfaces"`
	Providers      int      `json:"providers"`
	ProviderSystem string   `json:"providerSystem"`
	URI            string   `json:"uri"`
	// Address is the provider's TLS endpoint; when set and the gateway is mandatory,
	// consumers are served through a tunnel session.
	Address          string `json:"address"`
	ServerName       string `json:"serverName"`
	GatewayMandatory bool   `json:"gatewayMandatory"`
}

// Catalog is the local cloud's view of what it offers.
type Catalog struct {
	Cloud        proto.Cloud `json:"cloud"`
	DirectAccess bool        `json:"directAccess"`
	Services     []Service   `json:"services"`
}

func loadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return &Catalog{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Catalog
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, s := range c.Services {
		if s.Definition == "" {
			return nil, fmt.Errorf("parse %s: service %d has no definition", path, i)
		}
	}
	return &c, nil
}

func (c *Catalog) find(definition string) (Service, bool) {
	for _, s := range c.Services {
		if s.Definition == definition {
			return s, true
		}
	}
	return Service{}, false
}

func (c *Catalog) gsdPoll(req *proto.GSDPollRequest) proto.GSDPollResponse {
	want := req.RequestedService
	resp := proto.GSDPollResponse{ProviderCloud: c.Cloud, RequiredServiceDef: want.ServiceDefinition}
	s, ok := c.find(want.ServiceDefinition)
	if !ok {
		return resp
	}
	for _, i := range s.Interfaces {
		if len(want.Interfaces) == 0 || slices.Contains(want.Interfaces, i) {
			resp.AvailableInterfaces = append(resp.AvailableInterfaces, i)
		}
	}
	if len(want.Interfaces) > 0 && len(resp.AvailableInterfaces) == 0 {
		return resp
	}
	resp.NumOfProviders = max(s.Providers, 1)
	resp.GatewayIsMandatory = s.GatewayMandatory
	return resp
}
