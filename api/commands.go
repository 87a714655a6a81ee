package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"fleetstream/domain"
	"fleetstream/eventstore"
)

const (
	// conflictAttempts bounds how often a command is replayed on a stale
	// version before the conflict is handed back to the client.
	conflictAttempts = 3

	assignLockTTL = 30 * time.Second
)

func assignLockKey(vehicleID string) string {
	return "assign:vehicle:" + vehicleID
}

// withConflictRetry runs a load-mutate-save closure and retries it from a
// fresh load when the append lost a race. The closure must not keep state
// between attempts.
func (s *Server) withConflictRetry(m *requestMetrics, fn func() error) error {
	var err error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		m.SetRetries(attempt)
		err = fn()
		if err == nil || !errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

// Timed repository accessors feeding the load/save phases of the request
// metrics.

func (s *Server) loadDelivery(ctx context.Context, m *requestMetrics, id string) (*domain.Delivery, error) {
	start := time.Now()
	d, err := s.deliveries.GetByID(ctx, id)
	m.ObserveLoad(time.Since(start))
	return d, err
}

func (s *Server) saveDelivery(ctx context.Context, m *requestMetrics, d *domain.Delivery) error {
	start := time.Now()
	err := s.deliveries.Save(ctx, d)
	m.ObserveSave(time.Since(start))
	return err
}

func (s *Server) loadRoute(ctx context.Context, m *requestMetrics, id string) (*domain.Route, error) {
	start := time.Now()
	r, err := s.routes.GetByID(ctx, id)
	m.ObserveLoad(time.Since(start))
	return r, err
}

func (s *Server) saveRoute(ctx context.Context, m *requestMetrics, r *domain.Route) error {
	start := time.Now()
	err := s.routes.Save(ctx, r)
	m.ObserveSave(time.Since(start))
	return err
}

func (s *Server) loadVehicle(ctx context.Context, m *requestMetrics, id string) (*domain.Vehicle, error) {
	start := time.Now()
	v, err := s.vehicles.GetByID(ctx, id)
	m.ObserveLoad(time.Since(start))
	return v, err
}

func (s *Server) saveVehicle(ctx context.Context, m *requestMetrics, v *domain.Vehicle) error {
	start := time.Now()
	err := s.vehicles.Save(ctx, v)
	m.ObserveSave(time.Since(start))
	return err
}

func (s *Server) loadDriver(ctx context.Context, m *requestMetrics, id string) (*domain.Driver, error) {
	start := time.Now()
	d, err := s.drivers.GetByID(ctx, id)
	m.ObserveLoad(time.Since(start))
	return d, err
}

func (s *Server) saveDriver(ctx context.Context, m *requestMetrics, d *domain.Driver) error {
	start := time.Now()
	err := s.drivers.Save(ctx, d)
	m.ObserveSave(time.Since(start))
	return err
}

type idResponse struct {
	ID string `json:"id"`
}

func (s *Server) bind(c echo.Context, m *requestMetrics, req any) error {
	if err := c.Bind(req); err != nil {
		m.SetErrorStage("bind")
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func parseSequence(raw string) (int, error) {
	sequence, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return sequence, nil
}

// Delivery commands.

type createDeliveryRequest struct {
	ID        string `json:"id"`
	RouteID   string `json:"routeId"`
	DriverID  string `json:"driverId"`
	VehicleID string `json:"vehicleId"`
}

func (s *Server) createDelivery(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/deliveries")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req createDeliveryRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	delivery, cmdErr := domain.NewDelivery(req.ID, req.RouteID, req.DriverID, req.VehicleID)
	if cmdErr == nil {
		cmdErr = s.saveDelivery(c.Request().Context(), m, delivery)
	}
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusCreated, idResponse{ID: req.ID})
	return err
}

type updateDeliveryStatusRequest struct {
	OldStatus string `json:"oldStatus"`
	NewStatus string `json:"newStatus"`
}

func (s *Server) updateDeliveryStatus(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/deliveries/:id/status")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req updateDeliveryStatusRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()
	cmdErr := s.withConflictRetry(m, func() error {
		delivery, err := s.loadDelivery(ctx, m, id)
		if err != nil {
			return err
		}
		if err := delivery.UpdateStatus(domain.DeliveryStatus(req.OldStatus), domain.DeliveryStatus(req.NewStatus)); err != nil {
			return err
		}
		return s.saveDelivery(ctx, m, delivery)
	})
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusOK, idResponse{ID: id})
	return err
}

type reachCheckpointRequest struct {
	Sequence int    `json:"sequence"`
	Location string `json:"location"`
}

func (s *Server) reachCheckpoint(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/deliveries/:id/checkpoints")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req reachCheckpointRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()
	cmdErr := s.withConflictRetry(m, func() error {
		delivery, err := s.loadDelivery(ctx, m, id)
		if err != nil {
			return err
		}
		if err := delivery.ReachCheckpoint(req.Sequence, req.Location); err != nil {
			return err
		}
		return s.saveDelivery(ctx, m, delivery)
	})
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusOK, idResponse{ID: id})
	return err
}

type reportIncidentRequest struct {
	IncidentID  string `json:"incidentId"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

func (s *Server) reportIncident(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/deliveries/:id/incidents")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req reportIncidentRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	if req.IncidentID == "" {
		req.IncidentID = uuid.NewString()
	}
	id := c.Param("id")
	ctx := c.Request().Context()
	cmdErr := s.withConflictRetry(m, func() error {
		delivery, err := s.loadDelivery(ctx, m, id)
		if err != nil {
			return err
		}
		if err := delivery.ReportIncident(req.IncidentID, req.Kind, req.Description); err != nil {
			return err
		}
		return s.saveDelivery(ctx, m, delivery)
	})
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusCreated, idResponse{ID: req.IncidentID})
	return err
}

func (s *Server) resolveIncident(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/deliveries/:id/incidents/:incidentId/resolve")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	id := c.Param("id")
	incidentID := c.Param("incidentId")
	ctx := c.Request().Context()
	cmdErr := s.withConflictRetry(m, func() error {
		delivery, err := s.loadDelivery(ctx, m, id)
		if err != nil {
			return err
		}
		if err := delivery.ResolveIncident(incidentID); err != nil {
			return err
		}
		return s.saveDelivery(ctx, m, delivery)
	})
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusOK, idResponse{ID: incidentID})
	return err
}

type captureProofRequest struct {
	Signature string `json:"signature"`
	Receiver  string `json:"receiver"`
}

func (s *Server) captureProof(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/deliveries/:id/proof")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req captureProofRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()
	cmdErr := s.withConflictRetry(m, func() error {
		delivery, err := s.loadDelivery(ctx, m, id)
		if err != nil {
			return err
		}
		if err := delivery.CaptureProofOfDelivery(req.Signature, req.Receiver); err != nil {
			return err
		}
		return s.saveDelivery(ctx, m, delivery)
	})
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusOK, idResponse{ID: id})
	return err
}

// Route commands.

type createRouteRequest struct {
	ID             string    `json:"id"`
	Origin         string    `json:"origin"`
	Destination    string    `json:"destination"`
	ScheduledStart time.Time `json:"scheduledStart"`
}

func (s *Server) createRoute(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/routes")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req createRouteRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	route, cmdErr := domain.NewRoute(req.ID, req.Origin, req.Destination, req.ScheduledStart)
	if cmdErr == nil {
		cmdErr = s.saveRoute(c.Request().Context(), m, route)
	}
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusCreated, idResponse{ID: req.ID})
	return err
}

type routeCheckpointRequest struct {
	Sequence     int       `json:"sequence"`
	Location     string    `json:"location"`
	ExpectedTime time.Time `json:"expectedTime"`
}

func (s *Server) addRouteCheckpoint(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/routes/:id/checkpoints")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req routeCheckpointRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()
	cmdErr := s.withConflictRetry(m, func() error {
		route, err := s.loadRoute(ctx, m, id)
		if err != nil {
			return err
		}
		if err := route.AddCheckpoint(req.Sequence, req.Location, req.ExpectedTime); err != nil {
			return err
		}
		return s.saveRoute(ctx, m, route)
	})
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusCreated, idResponse{ID: id})
	return err
}

func (s *Server) updateRouteCheckpoint(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "PUT /api/routes/:id/checkpoints/:sequence")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req routeCheckpointRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	sequence, parseErr := parseSequence(c.Param("sequence"))
	if parseErr != nil {
		m.SetErrorStage("bind")
		err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid checkpoint sequence"})
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()
	cmdErr := s.withConflictRetry(m, func() error {
		route, err := s.loadRoute(ctx, m, id)
		if err != nil {
			return err
		}
		if err := route.UpdateCheckpoint(sequence, req.Location, req.ExpectedTime); err != nil {
			return err
		}
		return s.saveRoute(ctx, m, route)
	})
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusOK, idResponse{ID: id})
	return err
}

func (s *Server) planRoute(c echo.Context) error {
	return s.routeLifecycle(c, "POST /api/routes/:id/plan", func(r *domain.Route) error {
		return r.Plan()
	})
}

func (s *Server) activateRoute(c echo.Context) error {
	return s.routeLifecycle(c, "POST /api/routes/:id/activate", func(r *domain.Route) error {
		return r.Activate()
	})
}

type deactivateRouteRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) deactivateRoute(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/routes/:id/deactivate")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req deactivateRouteRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()
	cmdErr := s.withConflictRetry(m, func() error {
		route, err := s.loadRoute(ctx, m, id)
		if err != nil {
			return err
		}
		if err := route.Deactivate(req.Reason); err != nil {
			return err
		}
		return s.saveRoute(ctx, m, route)
	})
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusOK, idResponse{ID: id})
	return err
}

func (s *Server) routeLifecycle(c echo.Context, routeName string, op func(*domain.Route) error) (err error) {
	m := newRequestMetrics(s.logger, routeName)
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()
	cmdErr := s.withConflictRetry(m, func() error {
		route, err := s.loadRoute(ctx, m, id)
		if err != nil {
			return err
		}
		if err := op(route); err != nil {
			return err
		}
		return s.saveRoute(ctx, m, route)
	})
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusOK, idResponse{ID: id})
	return err
}

// Fleet commands.

type registerVehicleRequest struct {
	ID           string `json:"id"`
	Registration string `json:"registration"`
	VehicleType  string `json:"vehicleType"`
}

func (s *Server) registerVehicle(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/vehicles")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req registerVehicleRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	vehicle, cmdErr := domain.NewVehicle(req.ID, req.Registration, req.VehicleType)
	if cmdErr == nil {
		cmdErr = s.saveVehicle(c.Request().Context(), m, vehicle)
	}
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusCreated, idResponse{ID: req.ID})
	return err
}

type assignDriverRequest struct {
	DriverID string `json:"driverId"`
}

// assignDriver coordinates two aggregates without a shared transaction: the
// redis lock serializes assignment traffic per vehicle, and the saves are
// ordered so a crash mid-way leaves the driver Assigned but the vehicle
// untouched, which an operator can undo, rather than the reverse.
func (s *Server) assignDriver(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/vehicles/:id/assign-driver")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req assignDriverRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	vehicleID := c.Param("id")
	ctx := c.Request().Context()

	release, lockErr := s.lock.Acquire(ctx, assignLockKey(vehicleID), assignLockTTL)
	if lockErr != nil {
		err = s.writeError(c, m, lockErr)
		return err
	}
	defer release(ctx)

	cmdErr := s.doAssignDriver(ctx, m, vehicleID, req.DriverID)
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusOK, idResponse{ID: vehicleID})
	return err
}

// doAssignDriver runs every aggregate guard before the first save, so a
// rejected command never leaves a half-assigned driver behind. Only a save
// failure mid-sequence can leave the aggregates out of step.
func (s *Server) doAssignDriver(ctx context.Context, m *requestMetrics, vehicleID, driverID string) error {
	vehicle, err := s.loadVehicle(ctx, m, vehicleID)
	if err != nil {
		return err
	}
	next, err := s.loadDriver(ctx, m, driverID)
	if err != nil {
		return err
	}
	prevID := vehicle.AssignedDriverID()
	if err := vehicle.AssignDriver(driverID); err != nil {
		return err
	}
	if err := next.MarkAssigned(); err != nil {
		return err
	}
	if prevID != "" {
		prev, err := s.loadDriver(ctx, m, prevID)
		if err != nil {
			return err
		}
		if err := prev.Release(); err != nil {
			return err
		}
		if err := s.saveDriver(ctx, m, prev); err != nil {
			return err
		}
	}
	if err := s.saveDriver(ctx, m, next); err != nil {
		return err
	}
	return s.saveVehicle(ctx, m, vehicle)
}

func (s *Server) unassignDriver(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/vehicles/:id/unassign-driver")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	vehicleID := c.Param("id")
	ctx := c.Request().Context()

	release, lockErr := s.lock.Acquire(ctx, assignLockKey(vehicleID), assignLockTTL)
	if lockErr != nil {
		err = s.writeError(c, m, lockErr)
		return err
	}
	defer release(ctx)

	cmdErr := s.doUnassignDriver(ctx, m, vehicleID)
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusOK, idResponse{ID: vehicleID})
	return err
}

func (s *Server) doUnassignDriver(ctx context.Context, m *requestMetrics, vehicleID string) error {
	vehicle, err := s.loadVehicle(ctx, m, vehicleID)
	if err != nil {
		return err
	}
	driverID := vehicle.AssignedDriverID()
	if err := vehicle.UnassignDriver(); err != nil {
		return err
	}
	if err := s.saveVehicle(ctx, m, vehicle); err != nil {
		return err
	}
	driver, err := s.loadDriver(ctx, m, driverID)
	if err != nil {
		return err
	}
	if err := driver.Release(); err != nil {
		// The driver may already be back in the pool; the vehicle side is
		// done, so report and move on.
		s.logger.WithError(err).WithField("driver", driverID).Warn("driver release skipped")
		return nil
	}
	return s.saveDriver(ctx, m, driver)
}

func (s *Server) startMaintenance(c echo.Context) error {
	return s.vehicleLifecycle(c, "POST /api/vehicles/:id/maintenance/start", func(v *domain.Vehicle) error {
		return v.StartMaintenance()
	})
}

func (s *Server) completeMaintenance(c echo.Context) error {
	return s.vehicleLifecycle(c, "POST /api/vehicles/:id/maintenance/complete", func(v *domain.Vehicle) error {
		return v.CompleteMaintenance()
	})
}

func (s *Server) vehicleLifecycle(c echo.Context, routeName string, op func(*domain.Vehicle) error) (err error) {
	m := newRequestMetrics(s.logger, routeName)
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()
	cmdErr := s.withConflictRetry(m, func() error {
		vehicle, err := s.loadVehicle(ctx, m, id)
		if err != nil {
			return err
		}
		if err := op(vehicle); err != nil {
			return err
		}
		return s.saveVehicle(ctx, m, vehicle)
	})
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusOK, idResponse{ID: id})
	return err
}

type registerDriverRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	License string `json:"license"`
}

func (s *Server) registerDriver(c echo.Context) (err error) {
	m := newRequestMetrics(s.logger, "POST /api/drivers")
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	var req registerDriverRequest
	if err = s.bind(c, m, &req); err != nil {
		return err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	driver, cmdErr := domain.NewDriver(req.ID, req.Name, req.License)
	if cmdErr == nil {
		cmdErr = s.saveDriver(c.Request().Context(), m, driver)
	}
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusCreated, idResponse{ID: req.ID})
	return err
}

func (s *Server) startDuty(c echo.Context) error {
	return s.driverLifecycle(c, "POST /api/drivers/:id/duty/start", func(d *domain.Driver) error {
		return d.StartDuty()
	})
}

func (s *Server) endDuty(c echo.Context) error {
	return s.driverLifecycle(c, "POST /api/drivers/:id/duty/end", func(d *domain.Driver) error {
		return d.EndDuty()
	})
}

func (s *Server) driverLifecycle(c echo.Context, routeName string, op func(*domain.Driver) error) (err error) {
	m := newRequestMetrics(s.logger, routeName)
	defer func() { m.Log(c.Response().Status, err) }()
	if _, err = s.authorize(c, m); err != nil {
		return err
	}
	id := c.Param("id")
	ctx := c.Request().Context()
	cmdErr := s.withConflictRetry(m, func() error {
		driver, err := s.loadDriver(ctx, m, id)
		if err != nil {
			return err
		}
		if err := op(driver); err != nil {
			return err
		}
		return s.saveDriver(ctx, m, driver)
	})
	if cmdErr != nil {
		err = s.writeError(c, m, cmdErr)
		return err
	}
	err = c.JSON(http.StatusOK, idResponse{ID: id})
	return err
}
