package envconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// Set via LTXAV_HOST in the environment
	Host string
	// Set via LTXAV_DEBUG in the environment
	Debug bool
	// Set via LTXAV_MODELS in the environment
	Models string
	// Set via LTXAV_KEEP_TEMP in the environment
	KeepTemp bool
	// Set via LTXAV_ORIGINS in the environment
	AllowOrigins []string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LTXAV_HOST":      {"LTXAV_HOST", Host, "Address for the generation server (default 127.0.0.1:8484)"},
		"LTXAV_DEBUG":     {"LTXAV_DEBUG", Debug, "Show additional debug information (e.g. LTXAV_DEBUG=1)"},
		"LTXAV_MODELS":    {"LTXAV_MODELS", Models, "The path to the model weights directory"},
		"LTXAV_KEEP_TEMP": {"LTXAV_KEEP_TEMP", KeepTemp, "Keep intermediate video and audio files after muxing"},
		"LTXAV_ORIGINS":   {"LTXAV_ORIGINS", AllowOrigins, "A comma separated list of allowed origins"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

var defaultAllowOrigins = []string{
	"localhost",
	"127.0.0.1",
	"0.0.0.0",
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Host = clean("LTXAV_HOST")
	if Host == "" {
		Host = "127.0.0.1:8484"
	}

	Debug = false
	if debug := clean("LTXAV_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	Models = clean("LTXAV_MODELS")
	if Models == "" {
		if home, err := os.UserHomeDir(); err == nil {
			Models = filepath.Join(home, ".ltxav", "models")
		}
	}

	KeepTemp = false
	if keep := clean("LTXAV_KEEP_TEMP"); keep != "" {
		k, err := strconv.ParseBool(keep)
		if err == nil {
			KeepTemp = k
		} else {
			KeepTemp = true
		}
	}

	AllowOrigins = nil
	if origins := clean("LTXAV_ORIGINS"); origins != "" {
		AllowOrigins = strings.Split(origins, ",")
	}
	for _, origin := range defaultAllowOrigins {
		AllowOrigins = append(AllowOrigins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s:*", origin),
			fmt.Sprintf("https://%s:*", origin),
		)
	}
}
