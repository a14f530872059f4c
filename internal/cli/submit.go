package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/jobsaga/internal/contract"
)

// submissionFile is the document read by run --submit:
//
//	jobs:
//	  - job_id: job-1
//	    job_type: crunch-the-numbers
//	    payload: { duration: 2s }
type submissionFile struct {
	Jobs []struct {
		JobID   string         `yaml:"job_id"`
		JobType string         `yaml:"job_type"`
		Payload map[string]any `yaml:"payload,omitempty"`
	} `yaml:"jobs"`
}

// loadSubmissions reads the jobs to submit from a YAML file.
func loadSubmissions(path string) ([]contract.SubmitJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read submissions: %w", err)
	}

	var file submissionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Jobs))
	jobs := make([]contract.SubmitJob, 0, len(file.Jobs))
	for i, j := range file.Jobs {
		if j.JobID == "" || j.JobType == "" {
			return nil, fmt.Errorf("jobs[%d]: job_id and job_type are required", i)
		}
		if seen[j.JobID] {
			return nil, fmt.Errorf("jobs[%d]: duplicate job_id %q", i, j.JobID)
		}
		seen[j.JobID] = true

		job := contract.SubmitJob{JobID: j.JobID, JobTypeKey: j.JobType}
		if j.Payload != nil {
			body, err := json.Marshal(j.Payload)
			if err != nil {
				return nil, fmt.Errorf("jobs[%d]: encode payload: %w", i, err)
			}
			job.Payload = body
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
