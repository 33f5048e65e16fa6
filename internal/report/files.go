package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"k8s.io/apimachinery/pkg/util/json"

	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/vulnlib"
)

// DefaultOutput selects ./output/<date>.json.
const DefaultOutput = "output"

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// outputFile resolves the target path and creates its folder.
func outputFile(outfile string, now time.Time) (string, error) {
	if outfile == DefaultOutput {
		pwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		outfile = filepath.Join(pwd, DefaultOutput, fmt.Sprintf("%s.json", now.Format("2006-01-02")))
	}

	folder := filepath.Dir(outfile)
	if !exists(folder) {
		if err := os.MkdirAll(folder, os.FileMode(0755)); err != nil {
			return "", err
		}
	}

	return outfile, nil
}

func writeJSON(outfile string, v interface{}) (string, error) {
	filename, err := outputFile(outfile, time.Now())
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if err = os.WriteFile(filename, data, 0644); err != nil {
		return "", err
	}

	logger.L().Infof("Output file is saved in: %s", filename)

	return filename, nil
}

func record(job *model.ScanJob, findings []model.Finding) model.JobRecord {
	if findings == nil {
		findings = []model.Finding{}
	}
	return model.JobRecord{ScanJob: *job, Findings: findings}
}

// JobToJSON writes the job record with its findings.
func JobToJSON(outfile string, job *model.ScanJob, findings []model.Finding) (string, error) {
	return writeJSON(outfile, record(job, findings))
}

// PrintJobJSON writes the indented job record to w.
func PrintJobJSON(w io.Writer, job *model.ScanJob, findings []model.Finding) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(record(job, findings))
}

func CVEToJSON(outfile string, recs []vulnlib.CVERecord) (string, error) {
	if recs == nil {
		recs = []vulnlib.CVERecord{}
	}
	return writeJSON(outfile, recs)
}
