package model

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/i474232898/aqi-forecast/internal/airquality"
	"github.com/i474232898/aqi-forecast/internal/registry"
)

const (
	// SplitSeed fixes the train/test shuffle so reruns are comparable.
	SplitSeed = 42
	// TestFraction is the share of rows held out for evaluation.
	TestFraction = 0.2

	minTrainingRows = 5
)

// Spec names one model the trainer fits.
type Spec struct {
	Name   string
	Lambda float64
}

// DefaultSpecs are the models trained on every run.
var DefaultSpecs = []Spec{
	{Name: KindLinear, Lambda: 1e-6},
	{Name: KindRidge, Lambda: 1.0},
}

// Result is one trained and evaluated model.
type Result struct {
	Model   Regressor
	Scores  map[string]float64
	TrainN  int
	TestN   int
	Columns []string
}

// Evaluate returns rmse, mae and r2 of predicted against actual.
func Evaluate(predicted, actual []float64) map[string]float64 {
	var se, ae float64
	for i := range actual {
		d := predicted[i] - actual[i]
		se += d * d
		ae += math.Abs(d)
	}
	n := float64(len(actual))
	return map[string]float64{
		registry.MetricRMSE: math.Sqrt(se / n),
		registry.MetricMAE:  ae / n,
		registry.MetricR2:   stat.RSquaredFrom(predicted, actual, nil),
	}
}

// Split shuffles row indices with seed and holds out ceil(frac*n) of them.
func Split(n int, frac float64, seed int64) (train, test []int) {
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nTest := int(math.Ceil(frac * float64(n)))
	if nTest >= n {
		nTest = n - 1
	}
	return perm[nTest:], perm[:nTest]
}

// Trainer fits every Spec on the same split.
type Trainer struct {
	specs  []Spec
	logger *slog.Logger
}

// NewTrainer creates a Trainer; nil specs means DefaultSpecs.
func NewTrainer(specs []Spec, logger *slog.Logger) *Trainer {
	if len(specs) == 0 {
		specs = DefaultSpecs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{specs: specs, logger: logger}
}

// Train builds the design matrix from rows over columns, predicting
// airquality.TargetColumn, and returns one Result per spec.
func (t *Trainer) Train(rows []airquality.FeatureRow, columns []string) ([]Result, error) {
	if len(rows) < minTrainingRows {
		return nil, fmt.Errorf("%w: need at least %d feature rows to train, have %d",
			airquality.ErrValidation, minTrainingRows, len(rows))
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no feature columns", airquality.ErrValidation)
	}

	x := make([][]float64, len(rows))
	y := make([]float64, len(rows))
	for i, r := range rows {
		target, ok := r.Value(airquality.TargetColumn)
		if !ok {
			return nil, fmt.Errorf("%w: row %s has no %s", airquality.ErrValidation,
				r.Timestamp.Format("2006-01-02T15:04"), airquality.TargetColumn)
		}
		y[i] = target
		x[i] = make([]float64, len(columns))
		for j, col := range columns {
			x[i][j] = r.Values[col]
		}
	}

	trainIdx, testIdx := Split(len(rows), TestFraction, SplitSeed)
	xTrain, yTrain := pick(x, y, trainIdx)
	xTest, yTest := pick(x, y, testIdx)

	t.logger.Info("training models",
		"train_samples", len(trainIdx), "test_samples", len(testIdx), "features", len(columns))

	results := make([]Result, 0, len(t.specs))
	for _, spec := range t.specs {
		m, err := FitLinear(spec.Name, xTrain, yTrain, spec.Lambda)
		if err != nil {
			return nil, err
		}

		predicted := make([]float64, len(xTest))
		for i, row := range xTest {
			if predicted[i], err = m.Predict(row); err != nil {
				return nil, err
			}
		}
		scores := Evaluate(predicted, yTest)
		t.logger.Info("evaluated model",
			"model", spec.Name,
			"rmse", scores[registry.MetricRMSE],
			"mae", scores[registry.MetricMAE],
			"r2", scores[registry.MetricR2],
		)

		results = append(results, Result{
			Model:   m,
			Scores:  scores,
			TrainN:  len(trainIdx),
			TestN:   len(testIdx),
			Columns: append([]string(nil), columns...),
		})
	}
	return results, nil
}

// Best returns the index of the result with the lowest rmse.
func Best(results []Result) int {
	best := -1
	for i, r := range results {
		if best < 0 || r.Scores[registry.MetricRMSE] < results[best].Scores[registry.MetricRMSE] {
			best = i
		}
	}
	return best
}

func pick(x [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	xs := make([][]float64, len(idx))
	ys := make([]float64, len(idx))
	for i, k := range idx {
		xs[i], ys[i] = x[k], y[k]
	}
	return xs, ys
}
