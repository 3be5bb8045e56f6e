// Package weather looks up current conditions from Open-Meteo
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"greentrace/internal/adapters/config"
	"greentrace/internal/metrics"
	"greentrace/pkg/circuitbreaker"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

const sourceName = "open_meteo"

// Conditions is a current weather observation
type Conditions struct {
	TemperatureC    float64 `json:"temperature_c"`
	HumidityPct     float64 `json:"humidity_pct"`
	PrecipitationMM float64 `json:"precipitation_mm"`
	WindSpeedKmh    float64 `json:"wind_speed_kmh"`
	WeatherCode     int     `json:"weather_code"`
	Condition       string  `json:"condition"`
}

// Summary renders the conditions for a prompt
func (c Conditions) Summary() string {
	return fmt.Sprintf("%s, %.1f°C, humidity %.0f%%, precipitation %.1f mm, wind %.0f km/h",
		c.Condition, c.TemperatureC, c.HumidityPct, c.PrecipitationMM, c.WindSpeedKmh)
}

// Client queries the Open-Meteo forecast API
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	log     *logger.Logger
}

// NewClient creates a client. Repeated upstream failures open a circuit that skips lookups for a minute.
func NewClient(cfg config.WeatherConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(sourceName, circuitbreaker.Config{Threshold: 3, Cooldown: time.Minute}, log),
		log:     log.With("component", "weather_client"),
	}
}

// Current returns current conditions at lat, lon
func (c *Client) Current(ctx context.Context, lat, lon float64) (*Conditions, error) {
	start := time.Now()
	cond, err := circuitbreaker.Execute(ctx, c.breaker, func(ctx context.Context) (*Conditions, error) {
		return c.current(ctx, lat, lon)
	})

	switch {
	case err == nil:
		metrics.RecordUpstreamCall(sourceName, "success", time.Since(start))
	case circuitbreaker.IsOpen(err):
		metrics.RecordUpstreamCall(sourceName, "circuit_open", 0)
	default:
		metrics.RecordUpstreamCall(sourceName, "error", time.Since(start))
	}
	return cond, err
}

func (c *Client) current(ctx context.Context, lat, lon float64) (*Conditions, error) {
	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(errors.ErrConfiguration, "invalid WEATHER_BASE_URL")
	}

	q := endpoint.Query()
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("current", "temperature_2m,relative_humidity_2m,precipitation,weather_code,wind_speed_10m")
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrTransientNetwork)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrExternal, "open-meteo returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		Current struct {
			Temperature   float64 `json:"temperature_2m"`
			Humidity      float64 `json:"relative_humidity_2m"`
			Precipitation float64 `json:"precipitation"`
			WeatherCode   int     `json:"weather_code"`
			WindSpeed     float64 `json:"wind_speed_10m"`
		} `json:"current"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Mark(err, errors.ErrMalformedResponse)
	}

	return &Conditions{
		TemperatureC:    body.Current.Temperature,
		HumidityPct:     body.Current.Humidity,
		PrecipitationMM: body.Current.Precipitation,
		WindSpeedKmh:    body.Current.WindSpeed,
		WeatherCode:     body.Current.WeatherCode,
		Condition:       ConditionFor(body.Current.WeatherCode),
	}, nil
}

// ConditionFor maps a WMO weather code to a short description
func ConditionFor(code int) string {
	switch {
	case code == 0:
		return "Clear Sky"
	case code <= 3:
		return "Partly Cloudy"
	case code <= 48:
		return "Foggy"
	case code <= 57:
		return "Drizzle"
	case code <= 67:
		return "Rain"
	case code <= 77:
		return "Snow"
	case code <= 82:
		return "Rain Showers"
	case code <= 86:
		return "Snow Showers"
	default:
		return "Thunderstorm"
	}
}
