// Status notification and query-result handling
//
// Copyright (C) 2026  HEPiC Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package control

import (
	"encoding/json"

	"github.com/ZLoverty/HEPiC/pkg/metrics"
)

// objectStatus carries the per-object fields the client tracks. Pointers
// distinguish "absent" from a legitimate zero reading; a zero temperature is
// a valid value and must not be skipped.
type objectStatus struct {
	Extruder *struct {
		Temperature *float64 `json:"temperature"`
		Target      *float64 `json:"target"`
	} `json:"extruder"`
	MotionReport *struct {
		LiveExtruderVelocity *float64 `json:"live_extruder_velocity"`
	} `json:"motion_report"`
	VirtualSdcard *struct {
		Progress     *float64 `json:"progress"`
		FilePosition *int     `json:"file_position"`
	} `json:"virtual_sdcard"`
	PrintStats *struct {
		State *string `json:"state"`
	} `json:"print_stats"`
}

// handleStatusUpdate processes a notify_status_update notification. Params
// are [ {object: {field: value, ...}, ...}, eventtime ].
func (c *Client) handleStatusUpdate(params json.RawMessage) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
		c.logger.Warn("dropping malformed status update: %v", err)
		return
	}
	var status objectStatus
	if err := json.Unmarshal(arr[0], &status); err != nil {
		c.logger.Warn("dropping malformed status object: %v", err)
		return
	}
	c.applyStatus(&status)
}

// handleStatusResult processes the result envelope of a subscribe or query
// request, which nests the same object map under "status".
func (c *Client) handleStatusResult(result json.RawMessage) {
	var res struct {
		Status objectStatus `json:"status"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		c.logger.Warn("dropping malformed query result: %v", err)
		return
	}
	c.applyStatus(&res.Status)
}

// applyStatus merges present fields into the published snapshot. Absent
// fields keep their prior values.
func (c *Client) applyStatus(s *objectStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.Extruder != nil {
		if s.Extruder.Temperature != nil {
			c.status.HotendTemperature = *s.Extruder.Temperature
		}
		if s.Extruder.Target != nil {
			c.status.TargetTemperature = *s.Extruder.Target
		}
	}
	if s.MotionReport != nil && s.MotionReport.LiveExtruderVelocity != nil {
		c.status.FeedrateMMS = *s.MotionReport.LiveExtruderVelocity
	}
	if s.VirtualSdcard != nil {
		if s.VirtualSdcard.Progress != nil {
			c.status.Progress = *s.VirtualSdcard.Progress
		}
		if s.VirtualSdcard.FilePosition != nil {
			c.status.FilePosition = *s.VirtualSdcard.FilePosition
			if c.mapper != nil {
				c.status.CurrentLine = c.mapper.LineForOffset(c.status.FilePosition)
			}
		}
	}
	if s.PrintStats != nil && s.PrintStats.State != nil {
		c.status.PrintState = *s.PrintStats.State
	}

	metrics.ControlStatusUpdates.Inc()
	metrics.HotendTemperature.Set(c.status.HotendTemperature)
}

// handleGcodeResponse forwards a notify_gcode_response string to the
// response surface. Responses prefixed "!!" are Klipper error echoes and go
// to the error surface as well.
func (c *Client) handleGcodeResponse(params json.RawMessage) {
	var arr []string
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
		c.logger.Warn("dropping malformed gcode response: %v", err)
		return
	}
	resp := arr[0]
	c.logger.Debug("gcode response: %s", resp)
	select {
	case c.responseCh <- resp:
	default:
		c.logger.Debug("response channel full, dropping")
	}
	if len(resp) >= 2 && resp[:2] == "!!" {
		c.emitError(ErrorEvent{Message: resp})
	}
}
