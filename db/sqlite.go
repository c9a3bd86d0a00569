package db

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"signalcast/ml"
)

var database *sql.DB

// InitDB initializes the SQLite database
func InitDB(path string) error {
	var err error
	database, err = sql.Open("sqlite3", path)
	if err != nil {
		return err
	}

	query := `
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name VARCHAR(50),
        source TEXT,
        fingerprint TEXT,
        data_points INTEGER,
        weight REAL,
        bias REAL,
        x_mean REAL,
        x_std REAL,
        y_mean REAL,
        y_std REAL,
        final_loss REAL,
        r_squared REAL,
        iterations INTEGER,
        learning_rate REAL,
        random_init INTEGER,
        seed INTEGER,
        trained_at DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_training_log_trained_at ON training_log(trained_at);
    `

	_, err = database.Exec(query)
	return err
}

// Close releases the database handle.
func Close() error {
	if database == nil {
		return nil
	}
	err := database.Close()
	database = nil
	return err
}

type TrainingRun struct {
	ModelName    string    `json:"model_name"`
	Source       string    `json:"source"`
	Fingerprint  string    `json:"fingerprint"`
	DataPoints   int       `json:"data_points"`
	Weight       float64   `json:"weight"`
	Bias         float64   `json:"bias"`
	XMean        float64   `json:"x_mean"`
	XStd         float64   `json:"x_std"`
	YMean        float64   `json:"y_mean"`
	YStd         float64   `json:"y_std"`
	FinalLoss    float64   `json:"final_loss"`
	RSquared     float64   `json:"r_squared"`
	Iterations   int       `json:"iterations"`
	LearningRate float64   `json:"learning_rate"`
	RandomInit   bool      `json:"random_init"`
	Seed         int64     `json:"seed"`
	TrainedAt    time.Time `json:"trained_at"`
}

// RunFromArtifacts flattens trained artifacts into a log row.
func RunFromArtifacts(a *ml.Artifacts) TrainingRun {
	return TrainingRun{
		ModelName:    a.Kind,
		Source:       a.Source,
		Fingerprint:  strconv.FormatUint(a.Fingerprint, 16),
		DataPoints:   a.Rows,
		Weight:       a.Model.Weight,
		Bias:         a.Model.Bias,
		XMean:        a.X.Mean,
		XStd:         a.X.Std,
		YMean:        a.Y.Mean,
		YStd:         a.Y.Std,
		FinalLoss:    a.FinalLoss,
		RSquared:     a.RSquared,
		Iterations:   a.Iterations,
		LearningRate: a.LearningRate,
		RandomInit:   a.RandomInit,
		Seed:         a.Seed,
		TrainedAt:    a.TrainedAt,
	}
}

func SaveTrainingRun(run TrainingRun) error {
	if database == nil {
		return errors.New("database not initialized")
	}
	if run.TrainedAt.IsZero() {
		run.TrainedAt = time.Now().UTC()
	}
	_, err := database.Exec(`
        INSERT INTO training_log (
            model_name, source, fingerprint, data_points, weight, bias,
            x_mean, x_std, y_mean, y_std, final_loss, r_squared,
            iterations, learning_rate, random_init, seed, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		run.ModelName, run.Source, run.Fingerprint, run.DataPoints, run.Weight, run.Bias,
		run.XMean, run.XStd, run.YMean, run.YStd, run.FinalLoss, run.RSquared,
		run.Iterations, run.LearningRate, run.RandomInit, run.Seed, run.TrainedAt,
	)
	return err
}

// LoadTrainingRuns returns the most recent runs first. limit <= 0 means all.
func LoadTrainingRuns(limit int) ([]TrainingRun, error) {
	if database == nil {
		return nil, errors.New("database not initialized")
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := database.Query(`
        SELECT model_name, source, fingerprint, data_points, weight, bias,
               x_mean, x_std, y_mean, y_std, final_loss, r_squared,
               iterations, learning_rate, random_init, seed, trained_at
        FROM training_log
        ORDER BY trained_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		if err := rows.Scan(
			&run.ModelName, &run.Source, &run.Fingerprint, &run.DataPoints, &run.Weight, &run.Bias,
			&run.XMean, &run.XStd, &run.YMean, &run.YStd, &run.FinalLoss, &run.RSquared,
			&run.Iterations, &run.LearningRate, &run.RandomInit, &run.Seed, &run.TrainedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
