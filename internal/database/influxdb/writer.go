package influxdb

import (
	"context"
	"fmt"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"

	"isobus-core/internal/models"
)

// Sink writes decoded message batches to InfluxDB v3. The batch id rides
// along as a field so a retried flush can be identified downstream.
type Sink struct {
	client *influxdb3.Client
	config Config
}

// New creates an InfluxDB v3 sink
func New(config Config) (*Sink, error) {
	if config.Table == "" {
		config.Table = "isobus_messages"
	}
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     config.URL,
		Token:    config.Token,
		Database: config.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}
	return &Sink{client: client, config: config}, nil
}

// WriteBatch writes one flush as a set of points.
func (s *Sink) WriteBatch(ctx context.Context, batchID string, msgs []models.DecodedMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	points := make([]*influxdb3.Point, 0, len(msgs))
	for _, msg := range msgs {
		points = append(points, s.point(batchID, msg))
	}

	if err := s.client.WritePoints(ctx, points); err != nil {
		return fmt.Errorf("failed to write points: %w", err)
	}
	return nil
}

func (s *Sink) point(batchID string, msg models.DecodedMessage) *influxdb3.Point {
	return influxdb3.NewPoint(
		s.config.Table,
		map[string]string{
			"interface":    msg.Interface,
			"pgn":          fmt.Sprintf("%d", msg.PGN),
			"payload_kind": payloadKind(msg).String(),
		},
		pointFields(batchID, msg),
		msg.Timestamp,
	)
}

func payloadKind(msg models.DecodedMessage) models.PayloadKind {
	if msg.Payload == nil {
		return models.KindUnknown
	}
	return msg.Payload.Kind()
}

// pointFields maps a decoded message onto InfluxDB fields. The raw bytes
// always go in; recognized payloads add their engineering-unit signals.
func pointFields(batchID string, msg models.DecodedMessage) map[string]any {
	fields := map[string]any{
		"batch_id": batchID,
		"priority": int64(msg.Priority),
		"source":   int64(msg.Source),
		"dest":     int64(msg.Destination),
	}
	for i := uint8(0); i < msg.DLC; i++ {
		fields[fmt.Sprintf("data_%d", i)] = int64(msg.Data[i])
	}

	switch p := msg.Payload.(type) {
	case models.VehicleSpeed:
		fields["speed_kph"] = p.SpeedKph
	case models.WheelSpeed:
		fields["front_axle_kph"] = p.FrontAxleKph
	case models.DistanceTraveled:
		fields["trip_km"] = p.TripKm
		fields["total_km"] = p.TotalKm
	case models.EngineTorque:
		fields["percent_torque"] = int64(p.PercentTorque)
		fields["engine_rpm"] = p.EngineRPM
	case models.PTOStatus:
		fields["pto_rpm"] = p.SpeedRPM
		fields["pto_engaged"] = p.Engaged
	case models.GNSSPosition:
		fields["latitude"] = p.Latitude
		fields["longitude"] = p.Longitude
	case models.YieldMonitor:
		fields["flow_kg_per_s"] = p.FlowKgPerS
		fields["total_kg"] = p.TotalKg
	case models.MoistureSensor:
		fields["moisture_pct"] = p.MoisturePct
		fields["temp_c"] = int64(p.TempC)
	case models.AddressClaimed:
		fields["claimed_name"] = fmt.Sprintf("0x%016X", uint64(p.Name))
	}
	return fields
}

// Close closes the InfluxDB connection
func (s *Sink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
