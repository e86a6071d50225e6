package monitoring

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const probeTimeout = 5 * time.Second

// DeviceProber reports whether the access-control device answers.
type DeviceProber interface {
	TestConnectivity(ctx context.Context) bool
}

// GatewayProber reports whether the automation agent answers.
type GatewayProber interface {
	CheckHealth(ctx context.Context) bool
}

// DatabaseCheck probes the backing database with a ping. A failure means the
// service cannot operate at all.
func DatabaseCheck(db *gorm.DB) Check {
	return Check{
		Name: "database",
		Run: func(ctx context.Context) ProbeResult {
			ctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(ctx)
			}
			if err != nil {
				return ProbeResult{Status: StatusDown, Details: err.Error()}
			}
			return ProbeResult{Status: StatusUp}
		},
	}
}

// DeviceCheck probes the access-control device. The device being offline only
// degrades the service: grants keep flowing through the asynchronous path.
func DeviceCheck(device DeviceProber) Check {
	return Check{
		Name: "device",
		Run: func(ctx context.Context) ProbeResult {
			if !device.TestConnectivity(ctx) {
				return ProbeResult{Status: StatusDegraded, Details: "device not answering"}
			}
			return ProbeResult{Status: StatusUp}
		},
	}
}

// GatewayCheck probes the automation agent.
func GatewayCheck(gateway GatewayProber) Check {
	return Check{
		Name: "automation_gateway",
		Run: func(ctx context.Context) ProbeResult {
			if !gateway.CheckHealth(ctx) {
				return ProbeResult{Status: StatusDegraded, Details: "agent not answering"}
			}
			return ProbeResult{Status: StatusUp}
		},
	}
}
