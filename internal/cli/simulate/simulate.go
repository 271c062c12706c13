// Package simulate generates synthetic traffic and security events for
// exercising a running abuseguard.
package simulate

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/phan28395/PDFTEXT-sub002/internal/guard"
	"github.com/phan28395/PDFTEXT-sub002/internal/models"
)

// Attack shapes a burst of events from a single identity so that one of
// the built-in threat patterns fires.
type Attack struct {
	Name        string
	Description string
	Type        models.EventType
	Severity    models.Severity
	Count       int
	Spacing     time.Duration
	details     func(f *gofakeit.Faker) map[string]interface{}
}

var attacks = map[string]Attack{
	"brute_force": {
		Name:        "brute_force",
		Description: "repeated failed logins from one address",
		Type:        models.EventAuthFailure,
		Severity:    models.SeverityMedium,
		Count:       6,
		Spacing:     30 * time.Second,
		details: func(f *gofakeit.Faker) map[string]interface{} {
			return map[string]interface{}{"username": f.Username(), "method": "password"}
		},
	},
	"payment_fraud": {
		Name:        "payment_fraud",
		Description: "card testing with many declined payments",
		Type:        models.EventPaymentFailure,
		Severity:    models.SeverityHigh,
		Count:       6,
		Spacing:     time.Minute,
		details: func(f *gofakeit.Faker) map[string]interface{} {
			return map[string]interface{}{"amount": f.Price(1, 50), "card_last4": f.Numerify("####"), "decline_code": "card_declined"}
		},
	},
	"scraping": {
		Name:        "scraping",
		Description: "bursts of suspicious automated traffic",
		Type:        models.EventSuspiciousTraffic,
		Severity:    models.SeverityMedium,
		Count:       12,
		Spacing:     5 * time.Second,
		details: func(f *gofakeit.Faker) map[string]interface{} {
			return map[string]interface{}{"user_agent": "python-requests/2.31", "path": "/" + f.Word()}
		},
	},
	"upload_abuse": {
		Name:        "upload_abuse",
		Description: "repeated malicious file uploads",
		Type:        models.EventMaliciousFile,
		Severity:    models.SeverityHigh,
		Count:       3,
		Spacing:     2 * time.Minute,
		details: func(f *gofakeit.Faker) map[string]interface{} {
			return map[string]interface{}{"filename": f.Word() + ".pdf.exe", "sha256": f.Numerify(strings.Repeat("#", 64))}
		},
	},
}

// Attacks lists the known attack shapes sorted by name.
func Attacks() []Attack {
	out := make([]Attack, 0, len(attacks))
	for _, a := range attacks {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var noiseTypes = []string{
	string(models.EventAuthSuccess),
	string(models.EventAuthSuccess),
	string(models.EventAuthFailure),
	string(models.EventCSPViolation),
	string(models.EventAdminAction),
}

var userAgents = []string{
	"Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"curl/8.5.0",
	"python-requests/2.31",
}

// Generator produces reproducible synthetic data for a seed.
type Generator struct {
	faker *gofakeit.Faker
	now   func() time.Time
}

func NewGenerator(seed int64) *Generator {
	return &Generator{faker: gofakeit.New(seed), now: time.Now}
}

// Noise returns n unrelated low-severity events from random identities.
func (g *Generator) Noise(n int) []models.SecurityEvent {
	events := make([]models.SecurityEvent, 0, n)
	now := g.now().UTC()
	for i := 0; i < n; i++ {
		events = append(events, models.SecurityEvent{
			ID:        g.faker.UUID(),
			Type:      models.EventType(g.faker.RandomString(noiseTypes)),
			Severity:  models.SeverityLow,
			Identity:  g.faker.IPv4Address(),
			AccountID: g.faker.Username(),
			Timestamp: now.Add(-time.Duration(g.faker.Number(0, 600)) * time.Second),
			Details:   map[string]interface{}{"user_agent": g.faker.RandomString(userAgents)},
		})
	}
	return events
}

// Attack returns the events of the named attack from a single identity.
// An empty identity gets a random address.
func (g *Generator) Attack(name, identity string) ([]models.SecurityEvent, error) {
	a, ok := attacks[name]
	if !ok {
		return nil, fmt.Errorf("unknown attack %q", name)
	}
	if identity == "" {
		identity = g.faker.IPv4Address()
	}
	account := g.faker.Username()
	start := g.now().UTC().Add(-time.Duration(a.Count-1) * a.Spacing)

	events := make([]models.SecurityEvent, 0, a.Count)
	for i := 0; i < a.Count; i++ {
		events = append(events, models.SecurityEvent{
			ID:        g.faker.UUID(),
			Type:      a.Type,
			Severity:  a.Severity,
			Identity:  identity,
			AccountID: account,
			Timestamp: start.Add(time.Duration(i) * a.Spacing),
			Details:   a.details(g.faker),
		})
	}
	return events, nil
}

// Requests returns n admission requests spread over identities distinct
// addresses.
func (g *Generator) Requests(n, identities int, policy string) []guard.Request {
	if identities <= 0 {
		identities = 1
	}
	pool := make([]string, identities)
	for i := range pool {
		pool[i] = g.faker.IPv4Address()
	}

	reqs := make([]guard.Request, 0, n)
	for i := 0; i < n; i++ {
		headers := http.Header{}
		headers.Set("User-Agent", g.faker.RandomString(userAgents))
		headers.Set("Accept", "*/*")
		reqs = append(reqs, guard.Request{
			Identity: pool[g.faker.Number(0, identities-1)],
			Policy:   policy,
			Method:   g.faker.RandomString([]string{http.MethodGet, http.MethodGet, http.MethodPost}),
			Target:   "/" + g.faker.Word(),
			Protocol: "HTTP/1.1",
			Host:     g.faker.DomainName(),
			Headers:  headers,
		})
	}
	return reqs
}
