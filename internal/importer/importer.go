// Package importer uploads curriculum documents authored in YAML to the
// planning API and follows the server-side import job to completion.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teacherly/plansync/internal/remote"
	"github.com/teacherly/plansync/internal/syncer"
)

// Curriculum is the YAML shape teachers author.
type Curriculum struct {
	Name    string `yaml:"name" json:"name"`
	Subject string `yaml:"subject" json:"subject"`
	Grade   string `yaml:"grade,omitempty" json:"grade,omitempty"`
	Units   []Unit `yaml:"units" json:"units"`
}

// Unit is one curriculum unit with its lessons.
type Unit struct {
	Title     string   `yaml:"title" json:"title"`
	BigIdeas  []string `yaml:"bigIdeas,omitempty" json:"bigIdeas,omitempty"`
	Outcomes  []string `yaml:"outcomes,omitempty" json:"outcomes,omitempty"`
	Lessons   []Lesson `yaml:"lessons,omitempty" json:"lessons,omitempty"`
	StartDate string   `yaml:"startDate,omitempty" json:"startDate,omitempty"`
	EndDate   string   `yaml:"endDate,omitempty" json:"endDate,omitempty"`
}

// Lesson is one lesson inside a unit.
type Lesson struct {
	Title      string   `yaml:"title" json:"title"`
	Objectives []string `yaml:"objectives,omitempty" json:"objectives,omitempty"`
	Materials  []string `yaml:"materials,omitempty" json:"materials,omitempty"`
}

// Validate checks the parsed curriculum for the minimum the server needs.
func (c *Curriculum) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("curriculum name is required")
	}
	if len(c.Units) == 0 {
		return fmt.Errorf("curriculum has no units")
	}
	for i, u := range c.Units {
		if u.Title == "" {
			return fmt.Errorf("unit %d has no title", i+1)
		}
	}
	return nil
}

// ParseFile reads and validates a curriculum YAML file.
func ParseFile(path string) (*Curriculum, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read curriculum file: %w", err)
	}

	var c Curriculum
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse curriculum YAML: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid curriculum %s: %w", path, err)
	}
	return &c, nil
}

// Config tunes the import job polling loop.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 2 * time.Second,
		Timeout:      5 * time.Minute,
		Logger:       log.New(os.Stderr, "[import] ", log.LstdFlags),
	}
}

// Importer uploads curricula and tracks their server-side jobs.
type Importer struct {
	client remote.Client
	bus    *syncer.Bus
	config *Config
}

// New creates an Importer. bus may be nil when nothing displays progress.
func New(client remote.Client, bus *syncer.Bus, config *Config) *Importer {
	if config == nil {
		config = DefaultConfig()
	}
	if bus == nil {
		bus = syncer.NewBus()
	}
	return &Importer{client: client, bus: bus, config: config}
}

// Run uploads the curriculum and polls until the job reaches READY or
// FAILED. It returns the final job state; a FAILED job is returned as an
// error carrying the server's message.
func (im *Importer) Run(ctx context.Context, c *Curriculum) (*remote.ImportJob, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode curriculum: %w", err)
	}

	im.config.Logger.Printf("Uploading curriculum %q (%d units)", c.Name, len(c.Units))
	job, err := im.client.StartImport(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("start import: %w", err)
	}
	im.publish(job)

	return im.wait(ctx, job.ID)
}

// wait polls the job until it finishes, times out, or the context ends.
func (im *Importer) wait(ctx context.Context, jobID string) (*remote.ImportJob, error) {
	ctx, cancel := context.WithTimeout(ctx, im.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(im.config.PollInterval)
	defer ticker.Stop()

	lastStatus := ""
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("import %s did not finish: %w", jobID, ctx.Err())
		case <-ticker.C:
		}

		job, err := im.client.GetImport(ctx, jobID)
		if err != nil {
			if remote.IsTransient(err) {
				im.config.Logger.Printf("Warning: poll failed, will retry: %v", err)
				continue
			}
			return nil, fmt.Errorf("poll import %s: %w", jobID, err)
		}

		if job.Status != lastStatus {
			im.config.Logger.Printf("Import %s: %s (%d%%)", jobID, job.Status, job.Progress)
			lastStatus = job.Status
		}
		im.publish(job)

		switch job.Status {
		case remote.ImportReady:
			return job, nil
		case remote.ImportFailed:
			return job, fmt.Errorf("import %s failed: %s", jobID, job.Message)
		}
	}
}

func (im *Importer) publish(job *remote.ImportJob) {
	im.bus.Publish(syncer.Event{
		Kind:   syncer.EventImport,
		Status: job.Status,
		Detail: fmt.Sprintf("%s %d%%", job.ID, job.Progress),
	})
}
