package types

// ServerInfo describes this measurement server as advertised by
// /api/v1/servers and /api/health.
type ServerInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Location    string  `json:"location"`
	IP          string  `json:"ip"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	APIEndpoint string  `json:"api_endpoint"`
	Health      string  `json:"health"`
	ActiveTests int     `json:"active_tests"`
	MaxTests    int     `json:"max_tests"`
}
