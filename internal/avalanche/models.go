package avalanche

import (
	"encoding/json"

	"github.com/i474232898/avalanche-data-cache/internal/query"
)

// Source families served by the National Avalanche Center API.
const (
	SourceMapLayer        query.Source = "map-layer"
	SourceAvalancheCenter query.Source = "avalanche-center"
	SourceForecast        query.Source = "forecast"
	SourceObservations    query.Source = "observations"
	SourceWeatherStations query.Source = "weather-stations"
)

// Sources lists every known family.
var Sources = []query.Source{
	SourceMapLayer,
	SourceAvalancheCenter,
	SourceForecast,
	SourceObservations,
	SourceWeatherStations,
}

// Geometry is a GeoJSON geometry. Coordinates are kept raw; nothing in this
// layer interprets them.
type Geometry struct {
	Type        string          `json:"type" validate:"required"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// MapLayer is the forecast zone overlay: a GeoJSON FeatureCollection with one
// feature per forecast zone.
type MapLayer struct {
	Type     string            `json:"type" validate:"required,eq=FeatureCollection"`
	Features []MapLayerFeature `json:"features" validate:"required,dive"`
}

// MapLayerFeature is one forecast zone on the map.
type MapLayerFeature struct {
	Type       string             `json:"type" validate:"required,eq=Feature"`
	ID         int64              `json:"id" validate:"required"`
	Properties MapLayerProperties `json:"properties"`
	Geometry   *Geometry          `json:"geometry,omitempty"`
}

// MapLayerProperties holds the danger summary of a zone.
type MapLayerProperties struct {
	Name         string `json:"name" validate:"required"`
	CenterID     string `json:"center_id" validate:"required"`
	CenterLink   string `json:"center_link,omitempty"`
	State        string `json:"state,omitempty"`
	TravelAdvice string `json:"travel_advice,omitempty"`
	Danger       string `json:"danger,omitempty"`
	DangerLevel  int    `json:"danger_level" validate:"min=-1,max=5"`
	Color        string `json:"color,omitempty"`
	Link         string `json:"link,omitempty"`
	StartDate    string `json:"start_date,omitempty"`
	EndDate      string `json:"end_date,omitempty"`
	OffSeason    bool   `json:"off_season"`
}

// AvalancheCenter is the metadata of one forecasting center.
type AvalancheCenter struct {
	ID    string     `json:"id" validate:"required"`
	Name  string     `json:"name" validate:"required"`
	URL   string     `json:"url,omitempty"`
	City  string     `json:"city,omitempty"`
	State string     `json:"state,omitempty"`
	Zones []ZoneInfo `json:"zones" validate:"required,dive"`
}

// ZoneInfo describes a forecast zone of a center.
type ZoneInfo struct {
	ID     int64  `json:"id" validate:"required"`
	Name   string `json:"name" validate:"required"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status" validate:"required,oneof=active disabled"`
}

// ActiveZones returns the zones currently publishing forecasts.
func (c *AvalancheCenter) ActiveZones() []ZoneInfo {
	var zones []ZoneInfo
	for _, z := range c.Zones {
		if z.Status == "active" {
			zones = append(zones, z)
		}
	}
	return zones
}

// Forecast is a published avalanche forecast product.
type Forecast struct {
	ID            int64              `json:"id" validate:"required"`
	ProductType   string             `json:"product_type" validate:"required,oneof=forecast summary warning watch special"`
	PublishedTime string             `json:"published_time" validate:"required"`
	ExpiresTime   string             `json:"expires_time,omitempty"`
	Author        string             `json:"author,omitempty"`
	BottomLine    string             `json:"bottom_line,omitempty"`
	Zones         []ForecastZone     `json:"forecast_zone" validate:"required,dive"`
	Danger        []DangerRating     `json:"danger" validate:"dive"`
	Problems      []AvalancheProblem `json:"forecast_avalanche_problems" validate:"dive"`
}

// ForecastZone links a forecast to a zone.
type ForecastZone struct {
	ID     int64  `json:"id" validate:"required"`
	Name   string `json:"name" validate:"required"`
	ZoneID string `json:"zone_id,omitempty"`
}

// DangerRating is the per-elevation danger for one day.
type DangerRating struct {
	Lower    int    `json:"lower" validate:"min=-1,max=5"`
	Middle   int    `json:"middle" validate:"min=-1,max=5"`
	Upper    int    `json:"upper" validate:"min=-1,max=5"`
	ValidDay string `json:"valid_day" validate:"required,oneof=current tomorrow"`
}

// AvalancheProblem is one problem type called out by a forecast.
type AvalancheProblem struct {
	ID            int64  `json:"id" validate:"required"`
	Name          string `json:"name" validate:"required"`
	Rank          int    `json:"rank" validate:"min=1"`
	Likelihood    string `json:"likelihood,omitempty"`
	Discussion    string `json:"discussion,omitempty"`
	ProblemTypeID int64  `json:"avalanche_problem_id,omitempty"`
}

// ObservationList is a page of public field observations.
type ObservationList struct {
	Count int           `json:"count" validate:"min=0"`
	Data  []Observation `json:"data" validate:"required,dive"`
}

// Observation is one field observation.
type Observation struct {
	ID             string   `json:"id" validate:"required"`
	CenterID       string   `json:"center_id" validate:"required"`
	StartDate      string   `json:"start_date" validate:"required"`
	ObserverType   string   `json:"observer_type,omitempty"`
	Name           string   `json:"name,omitempty"`
	LocationName   string   `json:"location_name,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude      *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
	Instability    []string `json:"instability,omitempty"`
	ObservationSum string   `json:"observation_summary,omitempty"`
}

// WeatherStationCollection is the GeoJSON list of stations for a center.
type WeatherStationCollection struct {
	Type     string           `json:"type" validate:"required,eq=FeatureCollection"`
	Features []WeatherStation `json:"features" validate:"required,dive"`
}

// WeatherStation is one station feature.
type WeatherStation struct {
	Type       string                   `json:"type" validate:"required,eq=Feature"`
	Geometry   *Geometry                `json:"geometry,omitempty"`
	Properties WeatherStationProperties `json:"properties"`
}

// WeatherStationProperties identifies a station and where its data comes from.
type WeatherStationProperties struct {
	STID      string  `json:"stid" validate:"required"`
	Name      string  `json:"name" validate:"required"`
	Source    string  `json:"source" validate:"required,oneof=mesowest snotel nwac"`
	Elevation float64 `json:"elevation"`
	Timezone  string  `json:"timezone,omitempty"`
}
