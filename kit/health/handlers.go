package health

import (
	"github.com/gofiber/fiber/v2"
)

// Routes mounts the probe endpoints under /health.
//
//	GET /health/startup  200 once the grace period has elapsed
//	GET /health/live     200 unless the critical check fails
//	GET /health/ready    200 when ready and no check is unhealthy
//	GET /health/status   detailed snapshot, 503 when unhealthy
func (pm *ProbeManager) Routes(router fiber.Router) {
	g := router.Group("/health")

	g.Get("/startup", pm.StartupHandler)
	g.Get("/live", pm.LivenessHandler)
	g.Get("/ready", pm.ReadinessHandler)
	g.Get("/status", pm.StatusHandler)
}

// StartupHandler serves the startup probe.
func (pm *ProbeManager) StartupHandler(c *fiber.Ctx) error {
	return probeResponse(c, pm.Startup(), "started", string(StatusStarting))
}

// LivenessHandler serves the liveness probe.
func (pm *ProbeManager) LivenessHandler(c *fiber.Ctx) error {
	return probeResponse(c, pm.Liveness(c.UserContext()), "alive", "not_alive")
}

// ReadinessHandler serves the readiness probe.
func (pm *ProbeManager) ReadinessHandler(c *fiber.Ctx) error {
	if pm.ShuttingDown() {
		return probeResponse(c, false, "", "shutting_down")
	}

	return probeResponse(c, pm.Readiness(c.UserContext()), "ready", "not_ready")
}

// StatusHandler serves the detailed snapshot.
func (pm *ProbeManager) StatusHandler(c *fiber.Ctx) error {
	h := pm.DetailedHealth(c.UserContext())

	code := fiber.StatusOK
	if h.Status == StatusUnhealthy {
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(h)
}

func probeResponse(c *fiber.Ctx, ok bool, okStatus, failStatus string) error {
	if ok {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": okStatus})
	}

	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": failStatus})
}
