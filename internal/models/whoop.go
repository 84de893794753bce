package models

import "time"

// Recovery is one daily recovery score from the wearable provider.
type Recovery struct {
	CycleID          string    `json:"cycle_id"`
	Date             time.Time `json:"date"`
	RecoveryScore    float64   `json:"recovery_score"`
	RestingHeartRate float64   `json:"resting_heart_rate"`
	HRVRMSSD         float64   `json:"hrv_rmssd"`
	SpO2Percentage   float64   `json:"spo2_percentage"`
	SkinTempCelsius  float64   `json:"skin_temp_celsius"`
}

// Sleep is one sleep activity with stage breakdown.
type Sleep struct {
	SleepID          string    `json:"sleep_id"`
	Date             time.Time `json:"date"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	TotalSleepHours  float64   `json:"total_sleep_hours"`
	SleepPerformance float64   `json:"sleep_performance"`
	SleepEfficiency  float64   `json:"sleep_efficiency"`
	SleepConsistency float64   `json:"sleep_consistency"`
	REMSleepMin      float64   `json:"rem_sleep_min"`
	DeepSleepMin     float64   `json:"deep_sleep_min"`
	LightSleepMin    float64   `json:"light_sleep_min"`
	AwakeMin         float64   `json:"awake_min"`
	RespiratoryRate  float64   `json:"respiratory_rate"`
}

// Workout is one scored workout activity.
type Workout struct {
	WorkoutID        string    `json:"workout_id"`
	SportID          int       `json:"sport_id"`
	SportName        string    `json:"sport_name"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	DurationMin      float64   `json:"duration_min"`
	Strain           float64   `json:"strain"`
	AverageHeartRate float64   `json:"average_heart_rate"`
	MaxHeartRate     float64   `json:"max_heart_rate"`
	Kilojoules       float64   `json:"kilojoules"`
	DistanceMeters   float64   `json:"distance_meters"`
}

// Cycle is the daily strain container that recovery and sleep hang off.
type Cycle struct {
	CycleID          string    `json:"cycle_id"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Strain           float64   `json:"strain"`
	Kilojoules       float64   `json:"kilojoules"`
	AverageHeartRate float64   `json:"average_heart_rate"`
	MaxHeartRate     float64   `json:"max_heart_rate"`
}
