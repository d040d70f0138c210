package web

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"zigbee-tuya-bridge/internal/converter"
	"zigbee-tuya-bridge/internal/coordinator"
	"zigbee-tuya-bridge/internal/store"
	"zigbee-tuya-bridge/internal/tuya"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices().ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	views := make([]DeviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, s.enrichDevice(dev))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.coord.Devices().GetDevice(r.PathValue("ieee"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.enrichDevice(dev))
}

func (s *Server) handleAPIAddDevice(w http.ResponseWriter, r *http.Request) {
	var req store.Device
	if !s.decodeBody(w, r, &req) {
		return
	}
	if _, err := coordinator.NormalizeIEEE(req.IEEEAddress); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Manufacturer == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "manufacturer is required"})
		return
	}
	// Registration never takes over persisted radio-side fields.
	req.State = nil
	req.LQI, req.RSSI = 0, 0

	dev, err := s.coord.Devices().AddDevice(&req)
	if err != nil {
		s.logger.Error("add device", "err", err, "ieee", req.IEEEAddress)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusCreated, s.enrichDevice(dev))
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	var req renameDeviceRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.FriendlyName) > 64 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "friendly_name too long"})
		return
	}
	if err := s.coord.Devices().Rename(ieee, req.FriendlyName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Devices().RemoveDevice(r.PathValue("ieee")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPISetOptions merges converter options; a null value removes one.
func (s *Server) handleAPISetOptions(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	var opts map[string]any
	if !s.decodeBody(w, r, &opts) {
		return
	}
	if err := s.coord.Devices().SetOptions(ieee, opts); err != nil {
		s.writeError(w, err)
		return
	}
	dev, err := s.coord.Devices().GetDevice(ieee)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dev.Options)
}

// handleAPISetState takes a JSON object of normalized fields, e.g.
// {"current_heating_setpoint": 21.5, "system_mode": "heat"}.
func (s *Server) handleAPISetState(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if !s.decodeBody(w, r, &values) {
		return
	}
	if len(values) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no fields"})
		return
	}
	if err := s.coord.SetState(r.Context(), r.PathValue("ieee"), values); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIQuery(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Query(r.Context(), r.PathValue("ieee")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rawDataPoint struct {
	DP   uint8         `json:"dp"`
	Type tuya.WireType `json:"type"`
	Data string        `json:"data"` // hex
}

type sendDataPointsRequest struct {
	// Command defaults to dataRequest.
	Command string         `json:"command"`
	Seq     *uint16        `json:"seq,omitempty"`
	DPs     []rawDataPoint `json:"dps"`
}

// handleAPISendDataPoints sends DPs as given, bypassing the converters.
func (s *Server) handleAPISendDataPoints(w http.ResponseWriter, r *http.Request) {
	var req sendDataPointsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Command == "" {
		req.Command = tuya.DataRequest
	}
	if len(req.DPs) == 0 || len(req.DPs) > 32 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dps must hold 1 to 32 entries"})
		return
	}
	dps := make([]tuya.DpValue, 0, len(req.DPs))
	for _, d := range req.DPs {
		data, err := hex.DecodeString(d.Data)
		if err != nil || len(data) > 0xFFFF {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid hex data"})
			return
		}
		dps = append(dps, tuya.DpValue{DP: d.DP, Type: d.Type, Data: data})
	}

	seq, err := s.coord.SendDataPoints(r.Context(), r.PathValue("ieee"), req.Command, dps, coordinator.SendOptions{
		Seq:                    req.Seq,
		DisableDefaultResponse: req.Command == tuya.DataRequest,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "seq": seq})
}

type profileView struct {
	Manufacturer  string                  `json:"manufacturer"`
	Aliases       []string                `json:"aliases,omitempty"`
	Model         string                  `json:"model,omitempty"`
	Description   string                  `json:"description,omitempty"`
	Fields        []string                `json:"fields"`
	Datapoints    []converter.SchemaEntry `json:"tuya_datapoints,omitempty"`
	TimeEpoch     int                     `json:"time_epoch"`
	QueryInterval string                  `json:"query_interval,omitempty"`
}

func (s *Server) handleAPIListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.coord.DeviceDB().All()
	views := make([]profileView, 0, len(profiles))
	for _, p := range profiles {
		v := profileView{
			Manufacturer:  p.Def.Manufacturer,
			Aliases:       p.Def.Aliases,
			Model:         p.Def.Model,
			Description:   p.Def.Description,
			Fields:        p.Chain.Fields(),
			TimeEpoch:     int(p.Epoch),
			QueryInterval: p.Def.QueryInterval,
		}
		if schema := p.Chain.Schema(); schema != nil {
			v.Datapoints = schema.Entries()
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	if s.scripts == nil {
		s.writeJSON(w, http.StatusOK, []string{})
		return
	}
	names, err := s.scripts.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleAPIDiagnostics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Diagnostics())
}

func (s *Server) handleAPIRadioInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Radio().Info())
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeError maps coordinator and converter errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
	case errors.Is(err, converter.ErrUnknownField),
		errors.Is(err, converter.ErrReadOnly),
		errors.Is(err, converter.ErrOutOfDomain):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, coordinator.ErrNoProfile),
		errors.Is(err, converter.ErrStateRequired):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write json response", "err", err)
	}
}
