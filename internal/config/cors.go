package config

// CORSConfig controls the HTTP Surface's CORS middleware.
type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}
