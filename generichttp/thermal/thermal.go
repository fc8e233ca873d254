// Package thermal exposes an HTTP interface to thermal controllers
package thermal

import (
	"context"

	"github.com/cryolab/cryolab/generichttp"
	"github.com/cryolab/cryolab/server"
)

// Controller is an interface to a thermal controller with a single control loop
type Controller interface {
	// GetTemperatureSetpoint gets the temperature setpoint in Kelvin
	GetTemperatureSetpoint(context.Context) (float64, error)

	// SetTemperatureSetpoint sets the temperature setpoint in Kelvin
	SetTemperatureSetpoint(context.Context, float64) error

	// GetTemperature gets the temperature of the control sensor in Kelvin
	GetTemperature(context.Context) (float64, error)
}

// HTTPController binds routes to control temperature to the table
func HTTPController(c Controller, table server.RouteTable) {
	table[server.Get("/temperature")] = generichttp.GetFloat(c.GetTemperature)
	table[server.Get("/temperature-setpoint")] = generichttp.GetFloat(c.GetTemperatureSetpoint)
	table[server.Post("/temperature-setpoint")] = generichttp.SetFloat(c.SetTemperatureSetpoint)
}
