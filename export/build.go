package export

import (
	"go.uber.org/zap"

	"github.com/teranos/leakhunter/am"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/internal/httpclient"
	"github.com/teranos/leakhunter/internal/util"
)

// NewClient returns the SIEMClient for mode
func NewClient(mode string, cfg am.ExportConfig, client httpclient.Doer, clock util.Clock, log *zap.SugaredLogger) (SIEMClient, error) {
	switch mode {
	case am.ExportModeSplunk:
		if cfg.Splunk.URL == "" {
			return nil, errors.NewInvalidRequestError("export.splunk.url is not configured")
		}
		return NewSplunk(cfg.Splunk, client, clock), nil
	case am.ExportModeElastic:
		if cfg.Elastic.URL == "" {
			return nil, errors.NewInvalidRequestError("export.elastic.url is not configured")
		}
		return NewElastic(cfg.Elastic, client, log), nil
	case am.ExportModeGeneric:
		if cfg.Generic.URL == "" {
			return nil, errors.NewInvalidRequestError("export.generic.url is not configured")
		}
		return NewGeneric(cfg.Generic, client), nil
	case am.ExportModeFile:
		if cfg.File.Dir == "" {
			return nil, errors.NewInvalidRequestError("export.file.dir is not configured")
		}
		return NewFile(cfg.File, clock), nil
	default:
		return nil, errors.NewInvalidRequestError("unknown export mode %q", mode)
	}
}

// Modes lists the modes whose destination is configured, in a fixed order
func Modes(cfg am.ExportConfig) []string {
	var out []string
	if cfg.Splunk.URL != "" {
		out = append(out, am.ExportModeSplunk)
	}
	if cfg.Elastic.URL != "" {
		out = append(out, am.ExportModeElastic)
	}
	if cfg.Generic.URL != "" {
		out = append(out, am.ExportModeGeneric)
	}
	if cfg.File.Dir != "" {
		out = append(out, am.ExportModeFile)
	}
	return out
}
