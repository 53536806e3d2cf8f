package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	configPathEnv       = "PHARMASENTINEL_CONFIG"
	databaseDSNEnv      = "DATABASE_DSN"
	llmAPIKeyEnv        = "DEDALUS_API_KEY"
	newsAPIKeyEnv       = "NEWS_API_KEY"
	pipelineIntervalEnv = "PIPELINE_INTERVAL_MINUTES"
	pipelineSingleEnv   = "PIPELINE_SINGLE_RUN"
	httpAddrEnv         = "HTTP_ADDR"
)

// Config holds every setting required across the application, including the
// injected static domain data (monitored drugs, substitution and supplier
// tables) so deployments can swap them without rebuilding.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Database      DatabaseConfig     `yaml:"database"`
	Pipeline      PipelineConfig     `yaml:"pipeline"`
	HTTP          HTTPConfig         `yaml:"http"`
	LLM           LLMConfig          `yaml:"llm"`
	Regulatory    RegulatoryConfig   `yaml:"regulatory"`
	News          NewsConfig         `yaml:"news"`
	Drugs         []MonitoredDrug    `yaml:"drugs"`
	Substitutions []SubstitutionRule `yaml:"substitutions"`
	Suppliers     []Supplier         `yaml:"suppliers"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig describes Postgres connection details. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// PipelineConfig tunes run cadence and the analysis windows.
type PipelineConfig struct {
	IntervalMinutes    int  `yaml:"intervalMinutes"`
	RunOnStart         bool `yaml:"runOnStart"`
	SingleRun          bool `yaml:"singleRun"`
	LookAheadDays      int  `yaml:"lookAheadDays"`
	ShortageWindowDays int  `yaml:"shortageWindowDays"`
	NewsWindowDays     int  `yaml:"newsWindowDays"`
}

// Interval resolves the run cadence as a duration.
func (p PipelineConfig) Interval() time.Duration {
	minutes := p.IntervalMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// HTTPConfig wires the trigger surface listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LLMConfig defines how to contact the structured-output service.
type LLMConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	Model          string   `yaml:"model"`
	APIKeys        []string `yaml:"apiKeys"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
}

// Timeout bounds every structured-output call.
func (l LLMConfig) Timeout() time.Duration {
	if l.TimeoutSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(l.TimeoutSeconds) * time.Second
}

// RegulatoryConfig describes the shortage feed and the cleaned search terms
// used against it (monitored names like "Epinephrine (Adrenaline)" would not
// match the feed's generic names).
type RegulatoryConfig struct {
	BaseURL     string   `yaml:"baseUrl"`
	SearchTerms []string `yaml:"searchTerms"`
}

// NewsConfig describes the news search collaborator.
type NewsConfig struct {
	BaseURL        string   `yaml:"baseUrl"`
	APIKey         string   `yaml:"apiKey"`
	PageSize       int      `yaml:"pageSize"`
	GeneralQueries []string `yaml:"generalQueries"`
	FetchBodies    bool     `yaml:"fetchBodies"`
}

// MonitoredDrug is one entry of the criticality-ranked watch list.
type MonitoredDrug struct {
	Rank int    `yaml:"rank" json:"rank"`
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

// SubstitutionRule is one row of the static clinical-substitution table.
// An empty candidate list means no viable substitute exists for the drug.
type SubstitutionRule struct {
	Drug       string                `yaml:"drug"`
	Candidates []SubstituteCandidate `yaml:"candidates"`
}

// SubstituteCandidate is one alternative within a substitution rule, listed
// in preference order.
type SubstituteCandidate struct {
	Name  string `yaml:"name"`
	Notes string `yaml:"notes"`
}

// Supplier is one row of the static supplier table.
type Supplier struct {
	Name         string   `yaml:"name" json:"name"`
	Type         string   `yaml:"type" json:"type"`
	Drugs        []string `yaml:"drugs" json:"drugs"`
	DeliveryDays int      `yaml:"deliveryDays" json:"delivery_days"`
	Reliability  float64  `yaml:"reliability" json:"reliability"`
}

// MonitoredNames returns the watch-list drug names in rank order.
func (c Config) MonitoredNames() []string {
	names := make([]string, 0, len(c.Drugs))
	for _, d := range c.Drugs {
		names = append(names, d.Name)
	}
	return names
}

// SubstitutionRuleFor looks up the static table entry for a drug.
func (c Config) SubstitutionRuleFor(drug string) (SubstitutionRule, bool) {
	for _, rule := range c.Substitutions {
		if rule.Drug == drug {
			return rule, true
		}
	}
	return SubstitutionRule{}, false
}

// Load reads YAML configuration (if present) and applies environment
// overrides. A .env file is honored before the environment is read.
func Load() Config {
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(newsAPIKeyEnv); v != "" {
		c.News.APIKey = v
	}
	if v := os.Getenv(httpAddrEnv); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv(pipelineIntervalEnv); v != "" {
		if minutes, err := strconv.Atoi(v); err == nil && minutes > 0 {
			c.Pipeline.IntervalMinutes = minutes
		}
	}
	if v := os.Getenv(pipelineSingleEnv); v != "" {
		if single, err := strconv.ParseBool(v); err == nil {
			c.Pipeline.SingleRun = single
		}
	}

	// DEDALUS_API_KEY_1..3 replace the configured key set when present.
	var keys []string
	for i := 1; i <= 3; i++ {
		if v := os.Getenv(llmAPIKeyEnv + "_" + strconv.Itoa(i)); v != "" {
			keys = append(keys, v)
		}
	}
	if len(keys) > 0 {
		c.LLM.APIKeys = keys
	}
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging = override.Logging
	}
	if override.Database.DSN != "" {
		base.Database = override.Database
	}
	if override.Pipeline.IntervalMinutes > 0 {
		base.Pipeline.IntervalMinutes = override.Pipeline.IntervalMinutes
	}
	base.Pipeline.RunOnStart = base.Pipeline.RunOnStart || override.Pipeline.RunOnStart
	base.Pipeline.SingleRun = base.Pipeline.SingleRun || override.Pipeline.SingleRun
	if override.Pipeline.LookAheadDays > 0 {
		base.Pipeline.LookAheadDays = override.Pipeline.LookAheadDays
	}
	if override.Pipeline.ShortageWindowDays > 0 {
		base.Pipeline.ShortageWindowDays = override.Pipeline.ShortageWindowDays
	}
	if override.Pipeline.NewsWindowDays > 0 {
		base.Pipeline.NewsWindowDays = override.Pipeline.NewsWindowDays
	}
	if override.HTTP.Addr != "" {
		base.HTTP = override.HTTP
	}
	if override.LLM.Endpoint != "" {
		base.LLM.Endpoint = override.LLM.Endpoint
	}
	if override.LLM.Model != "" {
		base.LLM.Model = override.LLM.Model
	}
	if len(override.LLM.APIKeys) > 0 {
		base.LLM.APIKeys = override.LLM.APIKeys
	}
	if override.LLM.TimeoutSeconds > 0 {
		base.LLM.TimeoutSeconds = override.LLM.TimeoutSeconds
	}
	if override.Regulatory.BaseURL != "" {
		base.Regulatory.BaseURL = override.Regulatory.BaseURL
	}
	if len(override.Regulatory.SearchTerms) > 0 {
		base.Regulatory.SearchTerms = override.Regulatory.SearchTerms
	}
	if override.News.BaseURL != "" {
		base.News.BaseURL = override.News.BaseURL
	}
	if override.News.APIKey != "" {
		base.News.APIKey = override.News.APIKey
	}
	if override.News.PageSize > 0 {
		base.News.PageSize = override.News.PageSize
	}
	if len(override.News.GeneralQueries) > 0 {
		base.News.GeneralQueries = override.News.GeneralQueries
	}
	base.News.FetchBodies = base.News.FetchBodies || override.News.FetchBodies
	if len(override.Drugs) > 0 {
		base.Drugs = override.Drugs
	}
	if len(override.Substitutions) > 0 {
		base.Substitutions = override.Substitutions
	}
	if len(override.Suppliers) > 0 {
		base.Suppliers = override.Suppliers
	}
	return base
}

func defaultConfig() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info"},
		Database: DatabaseConfig{DSN: ""},
		Pipeline: PipelineConfig{
			IntervalMinutes:    60,
			LookAheadDays:      30,
			ShortageWindowDays: 180,
			NewsWindowDays:     7,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		LLM: LLMConfig{
			Endpoint:       "https://api.dedaluslabs.ai/v1/chat/completions",
			Model:          "openai/gpt-4o",
			TimeoutSeconds: 90,
		},
		Regulatory: RegulatoryConfig{
			BaseURL: "https://api.fda.gov/drug/shortages.json",
			SearchTerms: []string{
				"Epinephrine", "Oxygen", "Levofloxacin", "Propofol", "Penicillin",
				"Sodium Chloride", "Heparin", "Insulin", "Morphine", "Vaccine",
			},
		},
		News: NewsConfig{
			BaseURL:  "https://newsapi.org/v2",
			PageSize: 5,
			GeneralQueries: []string{
				"pharmaceutical supply chain disruption",
				"drug shortage hospital",
				"FDA drug recall",
			},
		},
		Drugs: []MonitoredDrug{
			{Rank: 1, Name: "Epinephrine", Type: "Anaphylaxis/Cardiac"},
			{Rank: 2, Name: "Oxygen", Type: "Respiratory Support"},
			{Rank: 3, Name: "Levofloxacin", Type: "Broad-Spectrum Antibiotic"},
			{Rank: 4, Name: "Propofol", Type: "Anesthetic"},
			{Rank: 5, Name: "Penicillin", Type: "Antibiotic"},
			{Rank: 6, Name: "IV Fluids", Type: "Hydration/Shock"},
			{Rank: 7, Name: "Heparin", Type: "Anticoagulant"},
			{Rank: 8, Name: "Insulin", Type: "Diabetes Management"},
			{Rank: 9, Name: "Morphine", Type: "Analgesic/Pain"},
			{Rank: 10, Name: "Vaccines", Type: "Immunization"},
		},
		Substitutions: []SubstitutionRule{
			{Drug: "Epinephrine", Candidates: []SubstituteCandidate{
				{Name: "Norepinephrine", Notes: "Vasopressor alternative for shock; not equivalent for anaphylaxis."},
			}},
			{Drug: "Oxygen", Candidates: nil},
			{Drug: "Levofloxacin", Candidates: []SubstituteCandidate{
				{Name: "Ciprofloxacin", Notes: "Fluoroquinolone with overlapping spectrum."},
				{Name: "Moxifloxacin", Notes: "Broader anaerobic coverage; no renal dosing."},
			}},
			{Drug: "Propofol", Candidates: []SubstituteCandidate{
				{Name: "Etomidate", Notes: "Induction alternative; adrenal suppression with repeat dosing."},
				{Name: "Ketamine", Notes: "Preserves airway reflexes; sympathomimetic effects."},
			}},
			{Drug: "Penicillin", Candidates: []SubstituteCandidate{
				{Name: "Cefazolin", Notes: "First-line for most penicillin indications absent severe allergy."},
			}},
			{Drug: "Morphine", Candidates: []SubstituteCandidate{
				{Name: "Hydromorphone", Notes: "Potency conversion approximately 1:5."},
				{Name: "Fentanyl", Notes: "Short-acting; continuous infusion for sustained analgesia."},
			}},
		},
		Suppliers: []Supplier{
			{Name: "MedSource Distribution", Type: "DISTRIBUTOR", Drugs: []string{"Epinephrine", "Levofloxacin", "Propofol", "Penicillin", "Heparin", "Insulin", "Morphine"}, DeliveryDays: 2, Reliability: 0.97},
			{Name: "Continental Pharma Direct", Type: "MANUFACTURER", Drugs: []string{"Propofol", "Penicillin", "Levofloxacin", "IV Fluids", "Vaccines"}, DeliveryDays: 5, Reliability: 0.97},
			{Name: "AirGas Medical", Type: "DISTRIBUTOR", Drugs: []string{"Oxygen"}, DeliveryDays: 1, Reliability: 0.97},
			{Name: "St. Mary's Regional", Type: "NEARBY_HOSPITAL", Drugs: []string{"Epinephrine", "Oxygen", "Propofol", "Morphine", "Insulin"}, DeliveryDays: 0, Reliability: 0.99},
		},
	}
}
