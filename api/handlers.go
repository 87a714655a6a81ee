package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"fleetstream/domain"
	"fleetstream/eventstore"
	"fleetstream/storage"
)

// Server bundles the command and query dependencies behind the HTTP routes.
type Server struct {
	deliveries DeliveryRepository
	routes     RouteRepository
	vehicles   VehicleRepository
	drivers    DriverRepository
	views      ReadModel
	audit      AuditReader
	auth       Authenticator
	lock       Locker
	logger     *log.Logger
}

func NewServer(
	deliveries DeliveryRepository,
	routes RouteRepository,
	vehicles VehicleRepository,
	drivers DriverRepository,
	views ReadModel,
	audit AuditReader,
	auth Authenticator,
	lock Locker,
	logger *log.Logger,
) *Server {
	return &Server{
		deliveries: deliveries,
		routes:     routes,
		vehicles:   vehicles,
		drivers:    drivers,
		views:      views,
		audit:      audit,
		auth:       auth,
		lock:       lock,
		logger:     logger,
	}
}

// Register wires up all routes on the provided Echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/api/deliveries", s.createDelivery)
	e.POST("/api/deliveries/:id/status", s.updateDeliveryStatus)
	e.POST("/api/deliveries/:id/checkpoints", s.reachCheckpoint)
	e.POST("/api/deliveries/:id/incidents", s.reportIncident)
	e.POST("/api/deliveries/:id/incidents/:incidentId/resolve", s.resolveIncident)
	e.POST("/api/deliveries/:id/proof", s.captureProof)
	e.GET("/api/deliveries/:id", s.getDelivery)

	e.POST("/api/routes", s.createRoute)
	e.POST("/api/routes/:id/checkpoints", s.addRouteCheckpoint)
	e.PUT("/api/routes/:id/checkpoints/:sequence", s.updateRouteCheckpoint)
	e.POST("/api/routes/:id/plan", s.planRoute)
	e.POST("/api/routes/:id/activate", s.activateRoute)
	e.POST("/api/routes/:id/deactivate", s.deactivateRoute)
	e.GET("/api/routes/:id", s.getRoute)

	e.POST("/api/vehicles", s.registerVehicle)
	e.POST("/api/vehicles/:id/assign-driver", s.assignDriver)
	e.POST("/api/vehicles/:id/unassign-driver", s.unassignDriver)
	e.POST("/api/vehicles/:id/maintenance/start", s.startMaintenance)
	e.POST("/api/vehicles/:id/maintenance/complete", s.completeMaintenance)
	e.GET("/api/vehicles/:id", s.getVehicle)

	e.POST("/api/drivers", s.registerDriver)
	e.POST("/api/drivers/:id/duty/start", s.startDuty)
	e.POST("/api/drivers/:id/duty/end", s.endDuty)
	e.GET("/api/drivers/:id", s.getDriver)

	e.GET("/api/audit/:id", s.getAuditLog)
	e.POST("/api/admin/republish/:type", s.republish)

	e.GET("/healthz", s.healthz)
}

func (s *Server) healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// authorize resolves the caller from the Authorization header and records the
// auth stage on the metrics.
func (s *Server) authorize(c echo.Context, m *requestMetrics) (string, error) {
	start := time.Now()
	subject, err := s.auth.Subject(c.Request().Header.Get("Authorization"))
	m.ObserveAuth(time.Since(start))
	if err != nil {
		m.SetErrorStage("auth")
		return "", echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return subject, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain and infrastructure failures to status codes:
// validation rejections are the client's fault, missing aggregates are 404,
// and an exhausted conflict retry surfaces as 409 for the client to retry.
func (s *Server) writeError(c echo.Context, m *requestMetrics, err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		m.SetErrorStage("validation")
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, eventstore.ErrAggregateNotFound), errors.Is(err, storage.ErrNotFound):
		m.SetErrorStage("not_found")
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, eventstore.ErrConcurrencyConflict), errors.Is(err, ErrLockHeld):
		m.SetErrorStage("conflict")
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		m.SetErrorStage("internal")
		s.logger.WithError(err).Error("request failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// Query handlers.

func (s *Server) getDelivery(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "GET /api/deliveries/:id")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	loadStart := time.Now()
	view, loadErr := s.views.Delivery(c.Request().Context(), c.Param("id"))
	m.ObserveLoad(time.Since(loadStart))
	if loadErr != nil {
		err = s.writeError(c, m, loadErr)
		return err
	}
	err = c.JSON(http.StatusOK, view)
	return err
}

func (s *Server) getRoute(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "GET /api/routes/:id")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	loadStart := time.Now()
	view, loadErr := s.views.Route(c.Request().Context(), c.Param("id"))
	m.ObserveLoad(time.Since(loadStart))
	if loadErr != nil {
		err = s.writeError(c, m, loadErr)
		return err
	}
	err = c.JSON(http.StatusOK, view)
	return err
}

func (s *Server) getVehicle(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "GET /api/vehicles/:id")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	loadStart := time.Now()
	view, loadErr := s.views.Vehicle(c.Request().Context(), c.Param("id"))
	m.ObserveLoad(time.Since(loadStart))
	if loadErr != nil {
		err = s.writeError(c, m, loadErr)
		return err
	}
	err = c.JSON(http.StatusOK, view)
	return err
}

func (s *Server) getDriver(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "GET /api/drivers/:id")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	loadStart := time.Now()
	view, loadErr := s.views.Driver(c.Request().Context(), c.Param("id"))
	m.ObserveLoad(time.Since(loadStart))
	if loadErr != nil {
		err = s.writeError(c, m, loadErr)
		return err
	}
	err = c.JSON(http.StatusOK, view)
	return err
}

func (s *Server) getAuditLog(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "GET /api/audit/:id")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	loadStart := time.Now()
	entries, loadErr := s.audit.GetAuditLog(c.Request().Context(), c.Param("id"))
	m.ObserveLoad(time.Since(loadStart))
	if loadErr != nil {
		err = s.writeError(c, m, loadErr)
		return err
	}
	err = c.JSON(http.StatusOK, map[string]any{"entries": entries})
	return err
}

func (s *Server) republish(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/admin/republish/:type")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var count int
	var repubErr error
	switch c.Param("type") {
	case domain.AggregateDelivery:
		count, repubErr = s.deliveries.Republish(c.Request().Context())
	case domain.AggregateRoute:
		count, repubErr = s.routes.Republish(c.Request().Context())
	case domain.AggregateVehicle:
		count, repubErr = s.vehicles.Republish(c.Request().Context())
	case domain.AggregateDriver:
		count, repubErr = s.drivers.Republish(c.Request().Context())
	default:
		err = c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown aggregate type"})
		return err
	}
	if repubErr != nil {
		err = s.writeError(c, m, repubErr)
		return err
	}
	err = c.JSON(http.StatusOK, map[string]int{"republished": count})
	return err
}
