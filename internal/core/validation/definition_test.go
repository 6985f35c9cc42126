package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

type stubSupport map[domain.ObserverType]bool

func (s stubSupport) IsSupported(t domain.ObserverType) bool { return s[t] }

func validStack() domain.StackDefinition {
	return domain.StackDefinition{
		ID:   "stk-1",
		Name: "checkout",
		Services: []domain.ServiceDefinition{
			{Name: "api", Image: "shop/api:1.2.0", DependsOn: []string{"db"}},
			{Name: "db", Image: "postgres:16"},
		},
	}
}

func TestValidateStackDefinition_Valid(t *testing.T) {
	field, msg := ValidateStackDefinition(validStack(), nil)
	assert.Empty(t, field)
	assert.Empty(t, msg)
}

func TestValidateStackDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.StackDefinition)
		field  string
	}{
		{"empty name", func(d *domain.StackDefinition) { d.Name = "" }, "name"},
		{"no services", func(d *domain.StackDefinition) { d.Services = nil }, "services"},
		{"service without image", func(d *domain.StackDefinition) { d.Services[0].Image = "" }, "services"},
		{"duplicate service", func(d *domain.StackDefinition) { d.Services[1].Name = "api" }, "services"},
		{"unknown dependency", func(d *domain.StackDefinition) { d.Services[0].DependsOn = []string{"cache"} }, "services"},
		{"invalid observer config", func(d *domain.StackDefinition) {
			d.Observer = &domain.ObserverConfig{Type: domain.ObserverHTTP}
		}, "observer"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			def := validStack()
			tc.mutate(&def)
			field, msg := ValidateStackDefinition(def, nil)
			assert.Equal(t, tc.field, field)
			assert.NotEmpty(t, msg)
		})
	}
}

func TestValidateStackDefinition_UnsupportedObserverType(t *testing.T) {
	def := validStack()
	def.Observer = &domain.ObserverConfig{
		Type:             "carrier_pigeon",
		PollingInterval:  time.Minute,
		MaintenanceValue: "true",
	}

	field, msg := ValidateStackDefinition(def, stubSupport{domain.ObserverHTTP: true})
	assert.Equal(t, "observer", field)
	assert.Contains(t, msg, "unsupported observer type")
}

func TestValidateProductDefinition(t *testing.T) {
	valid := domain.ProductDefinition{
		ID:      "prod-1",
		Name:    "shop",
		Version: "1.0.0",
		Stacks: []domain.StackRef{
			{StackID: "stk-1", Name: "frontend", Order: 1},
			{StackID: "stk-2", Name: "backend", Order: 2},
		},
	}
	field, msg := ValidateProductDefinition(valid)
	assert.Empty(t, field)
	assert.Empty(t, msg)

	tests := []struct {
		name   string
		mutate func(*domain.ProductDefinition)
		field  string
	}{
		{"empty name", func(d *domain.ProductDefinition) { d.Name = "" }, "name"},
		{"empty version", func(d *domain.ProductDefinition) { d.Version = "" }, "version"},
		{"no stacks", func(d *domain.ProductDefinition) { d.Stacks = nil }, "stacks"},
		{"missing stack id", func(d *domain.ProductDefinition) { d.Stacks[0].StackID = "" }, "stacks"},
		{"duplicate stack (case-insensitive)", func(d *domain.ProductDefinition) { d.Stacks[1].Name = "Frontend" }, "stacks"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			def := valid
			def.Stacks = append([]domain.StackRef(nil), valid.Stacks...)
			tc.mutate(&def)
			field, msg := ValidateProductDefinition(def)
			assert.Equal(t, tc.field, field)
			assert.NotEmpty(t, msg)
		})
	}
}
