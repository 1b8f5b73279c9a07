package mqtt

import (
	"context"
	"encoding/json"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (c *Client) discoveryTopic(component, entity string) string {
	return c.cfg.DiscoveryPrefix + "/" + component + "/" + c.cfg.DeviceName + "/" + entity + "/config"
}

// sensorDefinitions describes one HA sensor per telemetry field. All of
// them read the shared telemetry record through a value template.
func (c *Client) sensorDefinitions() []sensorDef {
	tempUnit := "°F"
	if c.opts.TemperatureUnit == "celsius" {
		tempUnit = "°C"
	}

	fields := []struct {
		suffix, field, name, class, unit, icon string
	}{
		{"temperature", "Temperature", "Temperature", "temperature", tempUnit, ""},
		{"humidity", "Humidity", "Humidity", "humidity", "%", ""},
		{"pressure", "Pressure", "Pressure", "atmospheric_pressure", "hPa", ""},
		{"gas", "Gas", "Gas Resistance", "", "Ω", "mdi:air-filter"},
		{"altitude", "Altitude", "Altitude", "distance", "m", "mdi:image-filter-hdr"},
	}

	avail := c.cfg.AvailabilityTopic()
	defs := make([]sensorDef, 0, len(fields))
	for _, f := range fields {
		defs = append(defs, sensorDef{
			entitySuffix: f.suffix,
			config: SensorConfig{
				Name:              f.name,
				ObjectID:          f.suffix,
				HasEntityName:     true,
				UniqueID:          c.instanceID + "_" + f.suffix,
				StateTopic:        c.cfg.TelemetryTopic,
				AvailabilityTopic: avail,
				Device:            c.device,
				Icon:              f.icon,
				DeviceClass:       f.class,
				UnitOfMeasurement: f.unit,
				StateClass:        "measurement",
				ValueTemplate:     "{{ value_json." + f.field + " }}",
			},
		})
	}
	return defs
}

func (c *Client) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	if c.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, s := range c.sensorDefinitions() {
		topic := c.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			c.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			c.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			c.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}
