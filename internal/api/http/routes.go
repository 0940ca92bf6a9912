package httpapi

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/i474232898/avalanche-data-cache/internal/catalog"
	"github.com/i474232898/avalanche-data-cache/internal/fetch"
	"github.com/i474232898/avalanche-data-cache/internal/query"
	"github.com/i474232898/avalanche-data-cache/internal/store"
)

const paramStale = "stale"

var validate = validator.New()

// Cache is the part of the store served over HTTP.
type Cache interface {
	Read(ctx context.Context, q query.Query, opts store.ReadOptions) (store.View, error)
	Prefetch(q query.Query) error
	Invalidate(q query.Query) bool
	InvalidateMatching(match func(query.Key) bool) int
}

// Signals receives reachability and foreground changes.
type Signals interface {
	SetOnline(online bool) int
	SetForeground(foreground bool) int
	State() (online, foreground bool)
}

// Deps holds what the routes need.
type Deps struct {
	Catalog *catalog.Catalog
	Cache   Cache
	Signals Signals
	// Host is the upstream used when a request names none.
	Host string
	// Hosts are the other upstreams a request may name with host=.
	Hosts []string
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	v1 := app.Group("/api/v1")

	v1.Get("/data/:source", func(c *fiber.Ctx) error {
		q, err := deps.query(c)
		if err != nil {
			return err
		}

		allowStale := true
		if s := c.Query(paramStale); s != "" {
			allowStale, err = strconv.ParseBool(s)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "stale must be true or false")
			}
		}

		view, err := deps.Cache.Read(c.UserContext(), q, store.ReadOptions{AllowStale: allowStale})
		if err != nil {
			return statusError(err)
		}
		return c.JSON(newDataResponse(view))
	})

	v1.Post("/prefetch/:source", func(c *fiber.Ctx) error {
		q, err := deps.query(c)
		if err != nil {
			return err
		}
		if err := deps.Cache.Prefetch(q); err != nil {
			return statusError(err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"key": q.Key()})
	})

	v1.Delete("/data/:source", func(c *fiber.Ctx) error {
		source := query.Source(c.Params("source"))
		if !deps.Catalog.Has(source) {
			return fiber.NewError(fiber.StatusNotFound, "unknown source "+string(source))
		}

		// No source parameters drops every key of the family.
		if !hasSourceParams(c) {
			n := deps.Cache.InvalidateMatching(func(k query.Key) bool { return k.Source() == source })
			return c.JSON(fiber.Map{"invalidated": n})
		}

		q, err := deps.query(c)
		if err != nil {
			return err
		}
		n := 0
		if deps.Cache.Invalidate(q) {
			n = 1
		}
		return c.JSON(fiber.Map{"invalidated": n, "key": q.Key()})
	})

	v1.Put("/signals", func(c *fiber.Ctx) error {
		var req signalsRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		scheduled := 0
		if req.Online != nil {
			scheduled += deps.Signals.SetOnline(*req.Online)
		}
		if req.Foreground != nil {
			scheduled += deps.Signals.SetForeground(*req.Foreground)
		}

		online, foreground := deps.Signals.State()
		return c.JSON(fiber.Map{
			"online":     online,
			"foreground": foreground,
			"scheduled":  scheduled,
		})
	})
}

// signalsRequest is the body of PUT /signals. At least one field is required.
type signalsRequest struct {
	Online     *bool `json:"online" validate:"required_without=Foreground"`
	Foreground *bool `json:"foreground" validate:"required_without=Online"`
}

type dataResponse struct {
	Key       query.Key  `json:"key"`
	Value     any        `json:"value"`
	State     string     `json:"state"`
	Stale     bool       `json:"stale"`
	FetchedAt *time.Time `json:"fetchedAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func newDataResponse(v store.View) dataResponse {
	resp := dataResponse{
		Key:   v.Key,
		Value: v.Value,
		State: v.State.String(),
		Stale: v.Stale,
	}
	if !v.FetchedAt.IsZero() {
		at := v.FetchedAt
		resp.FetchedAt = &at
	}
	if v.Err != nil {
		resp.Error = v.Err.Error()
	}
	return resp
}

// query builds the cache query of a request from its path and query string.
// Fiber reuses request buffers, so every string kept in the key is copied.
func (d Deps) query(c *fiber.Ctx) (query.Query, error) {
	source := query.Source(utils.CopyString(c.Params("source")))

	host := strings.TrimRight(d.Host, "/")
	raw := make(map[string]string)
	for name, v := range c.Queries() {
		switch name {
		case catalog.ParamHost:
			host = strings.TrimRight(utils.CopyString(v), "/")
			if !d.allowedHost(host) {
				return query.Query{}, fiber.NewError(fiber.StatusBadRequest, "host is not an allowed upstream")
			}
		case paramStale:
		default:
			raw[utils.CopyString(name)] = utils.CopyString(v)
		}
	}

	q, err := d.Catalog.Query(source, host, raw)
	if err != nil {
		return query.Query{}, statusError(err)
	}
	return q, nil
}

func (d Deps) allowedHost(host string) bool {
	if host == strings.TrimRight(d.Host, "/") {
		return true
	}
	for _, h := range d.Hosts {
		if host == strings.TrimRight(h, "/") {
			return true
		}
	}
	return false
}

// hasSourceParams reports whether the request names any parameter other than
// host and stale.
func hasSourceParams(c *fiber.Ctx) bool {
	for name := range c.Queries() {
		if name != catalog.ParamHost && name != paramStale {
			return true
		}
	}
	return false
}

// statusError maps cache and catalog failures to HTTP statuses.
func statusError(err error) error {
	switch {
	case errors.Is(err, catalog.ErrUnknownSource):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, catalog.ErrMissingParam),
		errors.Is(err, catalog.ErrInvalidParam),
		errors.Is(err, query.ErrUnsupportedParam):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, fetch.ErrNetwork):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	case errors.Is(err, fetch.ErrValidation), errors.Is(err, fetch.ErrMergeInput):
		return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.NewError(fiber.StatusGatewayTimeout, "timed out waiting for upstream data")
	case errors.Is(err, context.Canceled):
		return fiber.NewError(fiber.StatusRequestTimeout, "request cancelled")
	default:
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read data")
	}
}
