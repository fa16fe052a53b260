package config

import "testing"

func FuzzLoadFromBytes(f *testing.F) {
	// Seed corpus: valid configs
	f.Add([]byte(`
auth:
  enabled: false
broker:
  mqtt:
    url: "tcp://localhost:1883"
`))
	f.Add([]byte(`
server:
  port: 9090
auth:
  enabled: true
  jwt_secret: "secret"
  issuer: "iss"
  audience: "aud"
broker:
  mqtt:
    url: "ssl://broker.example.com:8883"
    client_id: "relay-1"
    qos: 1
circuit_breaker:
  failure_threshold: 5
  success_threshold: 2
  reset_timeout: 60s
retry:
  base_delay: 1s
  max_delay: 30s
  multiplier: 2.0
  max_attempts: 3
`))

	// Edge cases
	f.Add([]byte(``))
	f.Add([]byte(`server: { port: 0 }`))
	f.Add([]byte(`broker: { mqtt: { qos: 9 } }`))
	f.Add([]byte(`dead_letter: { max_age: -1s }`))

	f.Fuzz(func(t *testing.T, data []byte) {
		// LoadFromBytes must never panic regardless of input.
		cfg, err := LoadFromBytes(data)
		if err != nil {
			return
		}
		// If parsing succeeded, verify invariants that validation should enforce.
		if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
			t.Errorf("invalid port escaped validation: %d", cfg.Server.Port)
		}
		if cfg.CircuitBreaker.FailureThreshold < 1 {
			t.Errorf("non-positive failure threshold escaped validation: %d", cfg.CircuitBreaker.FailureThreshold)
		}
		if cfg.Retry.MaxAttempts < 1 {
			t.Errorf("non-positive max attempts escaped validation: %d", cfg.Retry.MaxAttempts)
		}
	})
}
