package server

import "github.com/teranos/leakhunter/errors"

var (
	errMissingKey     = errors.Mark(errors.New("missing API key"), errors.ErrUnauthorized)
	errInvalidKey     = errors.Mark(errors.New("invalid API key"), errors.ErrUnauthorized)
	errNoKeys         = errors.Mark(errors.New("no API keys configured"), errors.ErrUnauthorized)
	errExportDisabled = errors.Mark(errors.New("export is not configured"), errors.ErrServiceUnavailable)
	errNoScheduler    = errors.Mark(errors.New("scheduler is not running"), errors.ErrServiceUnavailable)
	errNoWebhooks     = errors.Mark(errors.New("webhooks are disabled"), errors.ErrServiceUnavailable)
	errNoCalendar     = errors.Mark(errors.New("calendar schedules are not available"), errors.ErrServiceUnavailable)
)
