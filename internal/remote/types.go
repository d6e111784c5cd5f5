package remote

import (
	"time"

	"github.com/adhikary/fasal/internal/storage"
)

// Wire shapes mirror the advisory API's JSON. Conversion to and from the
// storage types happens here so the rest of the code never sees wire tags.

type farmWire struct {
	ID           string  `json:"id"`
	FarmerID     string  `json:"farmer_id"`
	Name         string  `json:"name"`
	Village      string  `json:"village"`
	District     string  `json:"district"`
	State        string  `json:"state"`
	AreaHectares float64 `json:"area_hectares"`
	SoilType     string  `json:"soil_type"`
	Irrigation   string  `json:"irrigation"`
}

func (w farmWire) toFarm() storage.Farm {
	return storage.Farm{
		ID:           w.ID,
		FarmerID:     w.FarmerID,
		Name:         w.Name,
		Village:      w.Village,
		District:     w.District,
		State:        w.State,
		AreaHectares: w.AreaHectares,
		SoilType:     w.SoilType,
		Irrigation:   w.Irrigation,
	}
}

func farmWireFrom(f storage.Farm) farmWire {
	return farmWire{
		ID:           f.ID,
		FarmerID:     f.FarmerID,
		Name:         f.Name,
		Village:      f.Village,
		District:     f.District,
		State:        f.State,
		AreaHectares: f.AreaHectares,
		SoilType:     f.SoilType,
		Irrigation:   f.Irrigation,
	}
}

type cropHistoryWire struct {
	ID            string  `json:"id"`
	FarmID        string  `json:"farm_id"`
	Crop          string  `json:"crop"`
	Season        string  `json:"season"`
	Year          int     `json:"year"`
	YieldQuintals float64 `json:"yield_quintals"`
	Notes         string  `json:"notes,omitempty"`
}

func (w cropHistoryWire) toEntry() storage.CropHistoryEntry {
	return storage.CropHistoryEntry{
		ID:            w.ID,
		FarmID:        w.FarmID,
		Crop:          w.Crop,
		Season:        w.Season,
		Year:          w.Year,
		YieldQuintals: w.YieldQuintals,
		Notes:         w.Notes,
	}
}

func cropHistoryWireFrom(e storage.CropHistoryEntry) cropHistoryWire {
	return cropHistoryWire{
		ID:            e.ID,
		FarmID:        e.FarmID,
		Crop:          e.Crop,
		Season:        e.Season,
		Year:          e.Year,
		YieldQuintals: e.YieldQuintals,
		Notes:         e.Notes,
	}
}

type weatherWire struct {
	ID         string    `json:"id"`
	Date       time.Time `json:"date"`
	TempMinC   float64   `json:"temp_min_c"`
	TempMaxC   float64   `json:"temp_max_c"`
	Humidity   float64   `json:"humidity"`
	RainfallMM float64   `json:"rainfall_mm"`
	Conditions string    `json:"conditions"`
}

func (w weatherWire) toRecord(farmID string) storage.WeatherRecord {
	return storage.WeatherRecord{
		ID:         w.ID,
		FarmID:     farmID,
		Date:       w.Date,
		TempMinC:   w.TempMinC,
		TempMaxC:   w.TempMaxC,
		Humidity:   w.Humidity,
		RainfallMM: w.RainfallMM,
		Conditions: w.Conditions,
	}
}

type marketWire struct {
	ID         string    `json:"id"`
	Market     string    `json:"market"`
	Crop       string    `json:"crop"`
	Unit       string    `json:"unit"`
	MinPrice   float64   `json:"min_price"`
	MaxPrice   float64   `json:"max_price"`
	ModalPrice float64   `json:"modal_price"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (w marketWire) toRecord(district string) storage.MarketRecord {
	return storage.MarketRecord{
		ID:         w.ID,
		District:   district,
		Market:     w.Market,
		Crop:       w.Crop,
		Unit:       w.Unit,
		MinPrice:   w.MinPrice,
		MaxPrice:   w.MaxPrice,
		ModalPrice: w.ModalPrice,
		RecordedAt: w.RecordedAt,
	}
}

type recommendationWire struct {
	ID        string  `json:"id"`
	Season    string  `json:"season"`
	Crop      string  `json:"crop"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

func (w recommendationWire) toRecommendation(farmerID string) storage.Recommendation {
	return storage.Recommendation{
		ID:        w.ID,
		FarmerID:  farmerID,
		Season:    w.Season,
		Crop:      w.Crop,
		Score:     w.Score,
		Rationale: w.Rationale,
	}
}
