package models

import "time"

type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictFail         Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

// ValidationResult is the terminal artifact of a statistical test. It
// carries its sample size and correction so a consumer cannot mistake a
// low-confidence or uncorrected result for a finding.
type ValidationResult struct {
	TestName       string   `json:"testName"`
	Hypothesis     string   `json:"hypothesis,omitempty"`
	Statistic      float64  `json:"statistic"`
	PValue         float64  `json:"pValue"`
	Threshold      float64  `json:"threshold"`
	Verdict        Verdict  `json:"verdict"`
	NominalAlpha   float64  `json:"nominalAlpha"`
	CorrectedAlpha float64  `json:"correctedAlpha"`
	Tests          int      `json:"tests"`
	SampleSize     int      `json:"sampleSize"`
	LowConfidence  bool     `json:"lowConfidence"`
	Assumptions    []string `json:"assumptions,omitempty"`

	// Schuster
	Resultant   float64 `json:"resultant,omitempty"`
	CycleLength int     `json:"cycleLength,omitempty"`
	PhaseSource string  `json:"phaseSource,omitempty"`

	// Monte Carlo
	StatisticKind    string  `json:"statisticKind,omitempty"`
	Iterations       int     `json:"iterations,omitempty"`
	NullMean         float64 `json:"nullMean,omitempty"`
	NullStdDev       float64 `json:"nullStdDev,omitempty"`
	ExpectedNullMean float64 `json:"expectedNullMean,omitempty"`
	NullPercentile   float64 `json:"nullPercentile,omitempty"`
}

type StageName string

const (
	StageAcquire     StageName = "acquire"
	StageNormalize   StageName = "normalize"
	StageDecluster   StageName = "decluster"
	StageFeatures    StageName = "features"
	StageRegression  StageName = "regression"
	StagePeriodicity StageName = "periodicity"
	StageMonteCarlo  StageName = "monte_carlo"
	StageDiagnostics StageName = "diagnostics"
)

// StageError records a stage failure in the result document.
type StageError struct {
	Stage   StageName `json:"stage"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

type CatalogSummary struct {
	NormalizationReport
	Independent int `json:"independent"`
	Dependent   int `json:"dependent"`
	Retained    int `json:"retained"`
	Clusters    int `json:"clusters"`
}

type FeatureSummary struct {
	Days       int            `json:"days"`
	DatePolicy string         `json:"datePolicy"`
	Excluded   []ExcludedDate `json:"excluded,omitempty"`
}

// ModelSet groups the fits of one response series.
type ModelSet struct {
	Response        string                      `json:"response"`
	MinMagnitude    float64                     `json:"minMagnitude"`
	BaselinePoisson *RegressionModel            `json:"baselinePoisson,omitempty"`
	Baseline        *RegressionModel            `json:"baseline,omitempty"`
	Candidates      map[string]*RegressionModel `json:"candidates,omitempty"`
	DeltaAIC        map[string]float64          `json:"deltaAic,omitempty"`
	PoissonToNBAIC  float64                     `json:"poissonToNbAic,omitempty"`
}

type MolchanPoint struct {
	Tau float64 `json:"tau"`
	Nu  float64 `json:"nu"`
}

type MolchanResult struct {
	Feature string         `json:"feature"`
	Points  []MolchanPoint `json:"points"`
	Area    float64        `json:"area"`
	Skill   float64        `json:"skill"`
	Targets int            `json:"targets"`
	Days    int            `json:"days"`
}

type LagCorrelation struct {
	Feature string    `json:"feature"`
	Lags    []int     `json:"lags"`
	Pearson []float64 `json:"pearson"`
	BestLag int       `json:"bestLag"`
	BestR   float64   `json:"bestR"`
}

type EpochAnalysis struct {
	Feature  string    `json:"feature"`
	Offsets  []int     `json:"offsets"`
	Mean     []float64 `json:"mean"`
	Baseline float64   `json:"baseline"`
	Epochs   int       `json:"epochs"`
}

type Diagnostics struct {
	Molchan        *MolchanResult  `json:"molchan,omitempty"`
	LagCorrelation *LagCorrelation `json:"lagCorrelation,omitempty"`
	EpochAnalysis  *EpochAnalysis  `json:"epochAnalysis,omitempty"`
}

// RunResult is the one persisted document per run.
type RunResult struct {
	RunID       string             `json:"runId"`
	StartedAt   time.Time          `json:"startedAt"`
	FinishedAt  time.Time          `json:"finishedAt"`
	From        time.Time          `json:"from"`
	To          time.Time          `json:"to"`
	Catalog     CatalogSummary     `json:"catalog"`
	Features    FeatureSummary     `json:"features"`
	Models      []ModelSet         `json:"models,omitempty"`
	Periodicity *ValidationResult  `json:"periodicity,omitempty"`
	MonteCarlo  []ValidationResult `json:"monteCarlo,omitempty"`
	Diagnostics *Diagnostics       `json:"diagnostics,omitempty"`
	Errors      []StageError       `json:"errors,omitempty"`
}

type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCanceled  RunState = "canceled"
)

// RunStatus is the registry view of a run, including progress.
type RunStatus struct {
	RunID     string     `json:"runId"`
	State     RunState   `json:"state"`
	Stage     StageName  `json:"stage,omitempty"`
	Progress  float64    `json:"progress"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Result    *RunResult `json:"result,omitempty"`
}
