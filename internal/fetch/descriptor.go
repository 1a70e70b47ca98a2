package fetch

import (
	"strings"
	"time"

	"github.com/champion-data/champion/internal/errs"
)

// MediaType is the expected payload encoding of a source.
type MediaType string

const (
	MediaCSV    MediaType = "csv"
	MediaCSVZip MediaType = "csv.zip"
)

// Descriptor names one downloadable bulletin source. URLTemplate carries a
// {date} token rendered with DateFormat.
type Descriptor struct {
	Name        string    `yaml:"name"`         // source tag, e.g. "nse_cm_bhavcopy"
	URLTemplate string    `yaml:"url_template"` // contains {date}
	DateFormat  string    `yaml:"date_format"`  // YYYY-MM-DD | YYYYMMDD | DDMMYY
	MediaType   MediaType `yaml:"media_type"`
	Host        string    `yaml:"host"`         // circuit breaker + limiter identity
	FilePattern string    `yaml:"file_pattern"` // regexp for the single ZIP member
}

var dateLayouts = map[string]string{
	"YYYY-MM-DD": "2006-01-02",
	"YYYYMMDD":   "20060102",
	"DDMMYY":     "020106",
}

// URL renders the template for a logical date.
func (d Descriptor) URL(logicalDate time.Time) (string, error) {
	layout, ok := dateLayouts[d.DateFormat]
	if !ok {
		return "", errs.Newf(errs.Config, "fetch.descriptor", "unknown date format %q for %s", d.DateFormat, d.Name)
	}
	return strings.ReplaceAll(d.URLTemplate, "{date}", logicalDate.Format(layout)), nil
}
