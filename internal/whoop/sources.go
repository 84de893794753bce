package whoop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pulsetrack/backend/internal/models"
	"github.com/pulsetrack/backend/internal/syncer"
)

// defaultLookback bounds a fetch when no lower bound was given.
const defaultLookback = 365 * 24 * time.Hour

// recordMapper turns one raw API record into a storable record. A (nil, nil)
// return skips the record, which is how unscored entries are dropped.
type recordMapper func(raw json.RawMessage) (*models.ExternalRecord, error)

// collectionSource adapts one Whoop collection endpoint to the sync runner.
// The total stays unreported because the API never announces how many records
// a range holds.
type collectionSource struct {
	client *Client
	logger *logrus.Logger
	entity string
	path   string
	useV1  bool
	mapper recordMapper
}

func (s *collectionSource) Provider() string { return providerName }

func (s *collectionSource) EntityType() string { return s.entity }

func (s *collectionSource) FetchPages(ctx context.Context, since time.Time, fn syncer.PageFunc) error {
	end := time.Now().UTC()
	start := since
	if start.IsZero() {
		start = end.Add(-defaultLookback)
	}

	base := s.client.BaseURLV2
	if s.useV1 {
		base = s.client.BaseURLV1
	}

	return s.client.FetchCollection(ctx, base, s.path, start, end, func(raws []json.RawMessage) error {
		records := make([]models.ExternalRecord, 0, len(raws))
		skipped := 0
		for _, raw := range raws {
			rec, err := s.mapper(raw)
			if err != nil {
				return fmt.Errorf("failed to parse %s record: %w", s.entity, err)
			}
			if rec == nil {
				skipped++
				continue
			}
			records = append(records, *rec)
		}
		if skipped > 0 {
			s.logger.WithFields(logrus.Fields{
				"entity":  s.entity,
				"skipped": skipped,
			}).Debug("Skipped unscored records")
		}
		return fn(records, 0)
	})
}

func makeRecord(entity, externalID string, recordedAt time.Time, payload interface{}) (*models.ExternalRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", entity, err)
	}
	return &models.ExternalRecord{
		Provider:   providerName,
		EntityType: entity,
		ExternalID: externalID,
		RecordedAt: recordedAt,
		Payload:    body,
	}, nil
}

// NewRecoverySource syncs daily recovery scores from the v2 API.
func NewRecoverySource(client *Client, logger *logrus.Logger) syncer.Source {
	return &collectionSource{
		client: client,
		logger: logger,
		entity: "recovery",
		path:   "/recovery",
		mapper: mapRecovery,
	}
}

func mapRecovery(raw json.RawMessage) (*models.ExternalRecord, error) {
	var rec struct {
		CycleID   json.Number `json:"cycle_id"`
		CreatedAt time.Time   `json:"created_at"`
		Score     *struct {
			RecoveryScore    float64 `json:"recovery_score"`
			RestingHeartRate float64 `json:"resting_heart_rate"`
			HRVRMSSDMilli    float64 `json:"hrv_rmssd_milli"`
			SpO2Percentage   float64 `json:"spo2_percentage"`
			SkinTempCelsius  float64 `json:"skin_temp_celsius"`
		} `json:"score"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.Score == nil {
		return nil, nil
	}

	recovery := models.Recovery{
		CycleID:          rec.CycleID.String(),
		Date:             rec.CreatedAt,
		RecoveryScore:    rec.Score.RecoveryScore,
		RestingHeartRate: rec.Score.RestingHeartRate,
		HRVRMSSD:         rec.Score.HRVRMSSDMilli,
		SpO2Percentage:   rec.Score.SpO2Percentage,
		SkinTempCelsius:  rec.Score.SkinTempCelsius,
	}
	return makeRecord("recovery", recovery.CycleID, rec.CreatedAt, recovery)
}

// NewSleepSource syncs sleep activities with stage breakdowns from the v2 API.
func NewSleepSource(client *Client, logger *logrus.Logger) syncer.Source {
	return &collectionSource{
		client: client,
		logger: logger,
		entity: "sleep",
		path:   "/activity/sleep",
		mapper: mapSleep,
	}
}

func mapSleep(raw json.RawMessage) (*models.ExternalRecord, error) {
	var rec struct {
		ID    string    `json:"id"`
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
		Score *struct {
			StageSummary struct {
				TotalAwakeTimeMilli     float64 `json:"total_awake_time_milli"`
				TotalLightSleepMilli    float64 `json:"total_light_sleep_time_milli"`
				TotalSlowWaveSleepMilli float64 `json:"total_slow_wave_sleep_time_milli"`
				TotalREMSleepMilli      float64 `json:"total_rem_sleep_time_milli"`
			} `json:"stage_summary"`
			RespiratoryRate            float64 `json:"respiratory_rate"`
			SleepPerformancePercentage float64 `json:"sleep_performance_percentage"`
			SleepConsistencyPercentage float64 `json:"sleep_consistency_percentage"`
			SleepEfficiencyPercentage  float64 `json:"sleep_efficiency_percentage"`
		} `json:"score"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.Score == nil {
		return nil, nil
	}

	const msPerMinute = 60_000.0
	stages := rec.Score.StageSummary
	asleepMilli := stages.TotalLightSleepMilli + stages.TotalSlowWaveSleepMilli + stages.TotalREMSleepMilli

	sleep := models.Sleep{
		SleepID:          rec.ID,
		Date:             rec.Start,
		StartTime:        rec.Start,
		EndTime:          rec.End,
		TotalSleepHours:  asleepMilli / msPerMinute / 60,
		SleepPerformance: rec.Score.SleepPerformancePercentage,
		SleepEfficiency:  rec.Score.SleepEfficiencyPercentage,
		SleepConsistency: rec.Score.SleepConsistencyPercentage,
		REMSleepMin:      stages.TotalREMSleepMilli / msPerMinute,
		DeepSleepMin:     stages.TotalSlowWaveSleepMilli / msPerMinute,
		LightSleepMin:    stages.TotalLightSleepMilli / msPerMinute,
		AwakeMin:         stages.TotalAwakeTimeMilli / msPerMinute,
		RespiratoryRate:  rec.Score.RespiratoryRate,
	}
	return makeRecord("sleep", sleep.SleepID, rec.Start, sleep)
}

// NewWorkoutSource syncs scored workouts from the v2 API.
func NewWorkoutSource(client *Client, logger *logrus.Logger) syncer.Source {
	return &collectionSource{
		client: client,
		logger: logger,
		entity: "workout",
		path:   "/activity/workout",
		mapper: mapWorkout,
	}
}

func mapWorkout(raw json.RawMessage) (*models.ExternalRecord, error) {
	var rec struct {
		ID        string    `json:"id"`
		SportID   int       `json:"sport_id"`
		SportName string    `json:"sport_name"`
		Start     time.Time `json:"start"`
		End       time.Time `json:"end"`
		Score     *struct {
			Strain           float64 `json:"strain"`
			AverageHeartRate float64 `json:"average_heart_rate"`
			MaxHeartRate     float64 `json:"max_heart_rate"`
			Kilojoule        float64 `json:"kilojoule"`
			DistanceMeter    float64 `json:"distance_meter"`
		} `json:"score"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.Score == nil {
		return nil, nil
	}

	workout := models.Workout{
		WorkoutID:        rec.ID,
		SportID:          rec.SportID,
		SportName:        rec.SportName,
		StartTime:        rec.Start,
		EndTime:          rec.End,
		DurationMin:      rec.End.Sub(rec.Start).Minutes(),
		Strain:           rec.Score.Strain,
		AverageHeartRate: rec.Score.AverageHeartRate,
		MaxHeartRate:     rec.Score.MaxHeartRate,
		Kilojoules:       rec.Score.Kilojoule,
		DistanceMeters:   rec.Score.DistanceMeter,
	}
	return makeRecord("workout", workout.WorkoutID, rec.Start, workout)
}

// NewCycleSource syncs daily physiological cycles. Cycles have no v2
// collection endpoint yet, so this is the one source still on v1.
func NewCycleSource(client *Client, logger *logrus.Logger) syncer.Source {
	return &collectionSource{
		client: client,
		logger: logger,
		entity: "cycle",
		path:   "/cycle",
		useV1:  true,
		mapper: mapCycle,
	}
}

func mapCycle(raw json.RawMessage) (*models.ExternalRecord, error) {
	var rec struct {
		ID    json.Number `json:"id"`
		Start time.Time   `json:"start"`
		End   *time.Time  `json:"end"`
		Score *struct {
			Strain           float64 `json:"strain"`
			Kilojoule        float64 `json:"kilojoule"`
			AverageHeartRate float64 `json:"average_heart_rate"`
			MaxHeartRate     float64 `json:"max_heart_rate"`
		} `json:"score"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if rec.Score == nil {
		return nil, nil
	}

	cycle := models.Cycle{
		CycleID:          rec.ID.String(),
		StartTime:        rec.Start,
		Strain:           rec.Score.Strain,
		Kilojoules:       rec.Score.Kilojoule,
		AverageHeartRate: rec.Score.AverageHeartRate,
		MaxHeartRate:     rec.Score.MaxHeartRate,
	}
	if rec.End != nil {
		cycle.EndTime = *rec.End
	}
	return makeRecord("cycle", cycle.CycleID, rec.Start, cycle)
}
