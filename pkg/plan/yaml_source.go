package plan

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlSource loads plans from a YAML file on every Load call, so the
// catalog always reflects the file as it was at startup.
type yamlSource struct {
	path string
}

// NewYAMLSource returns a Source backed by a YAML file.
//
// Expected layout:
//
//	plans:
//	  - id: free
//	    name: Free
//	    tier_rank: 0
//	    interval: none
//	    default: true
//	    limits:
//	      receipts_per_month: 5
//	    features:
//	      ocr: basic
//	  - id: pro
//	    name: Pro
//	    tier_rank: 1
//	    interval: monthly
//	    trial_days: 14
//	    limits:
//	      receipts_per_month: -1
//	    features:
//	      ocr: enhanced
//	      advanced_reporting: basic
//
// A limit of -1 means unlimited.
func NewYAMLSource(path string) Source {
	return &yamlSource{path: path}
}

type yamlPlan struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	TierRank    int               `yaml:"tier_rank"`
	Interval    string            `yaml:"interval"`
	TrialDays   int               `yaml:"trial_days"`
	Default     bool              `yaml:"default"`
	Limits      map[string]int64  `yaml:"limits"`
	Features    map[string]string `yaml:"features"`
	Metadata    map[string]string `yaml:"metadata"`
}

type yamlFile struct {
	Plans []yamlPlan `yaml:"plans"`
}

func (s *yamlSource) Load(ctx context.Context) (map[string]Plan, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	var f yamlFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	plans := make(map[string]Plan, len(f.Plans))
	for _, yp := range f.Plans {
		if yp.ID == "" {
			return nil, errors.Join(ErrFailedToLoadPlans, errors.New("plan without id"))
		}
		if _, exists := plans[yp.ID]; exists {
			return nil, errors.Join(ErrFailedToLoadPlans, fmt.Errorf("duplicate plan id %q", yp.ID))
		}

		p := Plan{
			ID:          yp.ID,
			Name:        yp.Name,
			Description: yp.Description,
			TierRank:    yp.TierRank,
			Interval:    BillingInterval(yp.Interval),
			TrialDays:   yp.TrialDays,
			Default:     yp.Default,
			Metadata:    yp.Metadata,
		}
		if p.Interval == "" {
			p.Interval = BillingIntervalMonthly
		}

		if len(yp.Limits) > 0 {
			p.Limits = make(map[UsageType]int64, len(yp.Limits))
			for ut, limit := range yp.Limits {
				p.Limits[UsageType(ut)] = limit
			}
		}
		if len(yp.Features) > 0 {
			p.Features = make(map[Feature]Level, len(yp.Features))
			for ft, level := range yp.Features {
				p.Features[Feature(ft)] = Level(level)
			}
		}

		plans[yp.ID] = p
	}

	return plans, nil
}
