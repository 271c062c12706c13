package risk

import "time"

// Weights are the score increments of each heuristic.
type Weights struct {
	Volume          int
	Connections     int
	ErrorRate       int
	ClientSignature int
	MissingHeaders  int
	Burst           int
	Coordinated     int
	Volumetric      int
	Malformed       int
	AttackSignature int
	Reputation      int
}

// Config holds the scorer thresholds and weights.
type Config struct {
	Window              time.Duration
	MaxRequests         int
	MaxConnections      int
	ErrorRateThreshold  float64
	MaxUserAgentLength  int
	BurstRequests       int
	BurstWindow         time.Duration
	SubnetMinIdentities int
	SubnetMinScore      int
	MaxBodyBytes        int64
	MaxWindowBytes      int64
	FloodRequests       int
	FloodFailures       int
	SuspiciousThreshold int
	BlockThreshold      int
	BlockDuration       time.Duration
	IdleTTL             time.Duration
	Weights             Weights
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Window:              time.Minute,
		MaxRequests:         300,
		MaxConnections:      50,
		ErrorRateThreshold:  0.5,
		MaxUserAgentLength:  512,
		BurstRequests:       20,
		BurstWindow:         5 * time.Second,
		SubnetMinIdentities: 6,
		SubnetMinScore:      50,
		MaxBodyBytes:        10 << 20,
		MaxWindowBytes:      100 << 20,
		FloodRequests:       1000,
		FloodFailures:       100,
		SuspiciousThreshold: 80,
		BlockThreshold:      90,
		BlockDuration:       15 * time.Minute,
		IdleTTL:             30 * time.Minute,
		Weights: Weights{
			Volume:          30,
			Connections:     25,
			ErrorRate:       20,
			ClientSignature: 15,
			MissingHeaders:  10,
			Burst:           25,
			Coordinated:     30,
			Volumetric:      20,
			Malformed:       15,
			AttackSignature: 25,
			Reputation:      20,
		},
	}
}
