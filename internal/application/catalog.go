package application

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bnema/paychat/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

type CatalogService struct {
	Agent       string `yaml:"agent"`
	ServiceType string `yaml:"service_type"`
	Price       string `yaml:"price"`
	Reason      string `yaml:"reason"`

	amount domain.Amount
}

func (s CatalogService) Amount() domain.Amount {
	return s.amount
}

// Catalog prices the agents that require payment before they answer.
type Catalog struct {
	Currency  string           `yaml:"currency"`
	Network   string           `yaml:"network"`
	Provider  string           `yaml:"provider"`
	Recipient string           `yaml:"recipient"`
	Services  []CatalogService `yaml:"services"`

	byAgent map[string]CatalogService
}

func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file. An empty path yields the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if c.Currency == "" {
		c.Currency = domain.DefaultCurrency
	}
	if c.Network == "" {
		c.Network = domain.DefaultNetwork
	}
	if strings.TrimSpace(c.Recipient) == "" && len(c.Services) > 0 {
		return nil, fmt.Errorf("catalog recipient is required")
	}

	c.byAgent = make(map[string]CatalogService, len(c.Services))
	for i, svc := range c.Services {
		if svc.Agent == "" || svc.ServiceType == "" {
			return nil, fmt.Errorf("catalog service %d: agent and service_type are required", i)
		}
		amount, err := domain.ParseAmount(svc.Price)
		if err != nil {
			return nil, fmt.Errorf("catalog service %s: %w", svc.Agent, err)
		}
		if amount <= 0 {
			return nil, fmt.Errorf("catalog service %s: price must be positive", svc.Agent)
		}
		svc.amount = amount
		c.Services[i] = svc
		c.byAgent[svc.Agent] = svc
	}

	return &c, nil
}

// Lookup reports the paid service behind agent, if any.
func (c *Catalog) Lookup(agent string) (CatalogService, bool) {
	if c == nil {
		return CatalogService{}, false
	}
	svc, ok := c.byAgent[agent]
	return svc, ok
}

// Directive issues a fresh payment directive for svc, valid from now.
func (c *Catalog) Directive(svc CatalogService, target string, now time.Time) domain.PaymentDirective {
	id := domain.NewPaymentID(c.Provider, svc.ServiceType, target, now)
	return domain.PaymentDirective{
		ID:          id,
		Recipient:   c.Recipient,
		Amount:      svc.amount,
		Currency:    c.Currency,
		Network:     c.Network,
		ServiceType: svc.ServiceType,
		Reason:      svc.Reason,
		IssuedAt:    now,
		ExpiresAt:   now.Add(domain.DirectiveTTL),
	}
}
