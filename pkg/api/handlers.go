package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/evergrid-labs/carbonledger/pkg/accesscontrol"
	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/fixed"
)

// Amounts cross the wire as decimal strings ("6.7795"), never floats.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// caller extracts the authenticated principal, or writes a 401.
func caller(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.FromContext(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return auth.Nobody, false
	}
	return p, true
}

// decode reads a JSON body with a 1MB limit, or writes a 400.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return false
	}
	return true
}

// parseAmount parses a decimal-string amount field, or writes a 400.
func parseAmount(w http.ResponseWriter, s, field string) (fixed.Amount, bool) {
	a, err := fixed.Parse(s)
	if err != nil {
		WriteBadRequest(w, "Invalid amount in field "+field)
		return 0, false
	}
	return a, true
}

// --- roles ---

type roleRequest struct {
	Role      string `json:"role"`
	Principal string `json:"principal"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Role == "" || req.Principal == "" {
		WriteBadRequest(w, "Missing required fields: role, principal")
		return
	}
	if err := s.node.Grant(r.Context(), p, accesscontrol.Role(req.Role), auth.Principal(req.Principal)); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.node.Revoke(r.Context(), p, accesscontrol.Role(req.Role), auth.Principal(req.Principal)); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHasRole(w http.ResponseWriter, r *http.Request) {
	role := accesscontrol.Role(r.PathValue("role"))
	principal := auth.Principal(r.PathValue("principal"))
	writeJSON(w, http.StatusOK, map[string]bool{
		"has": s.node.Access().Has(role, principal),
	})
}

// --- vehicles ---

type registerVehicleRequest struct {
	VIN               string `json:"vin"`
	Model             string `json:"model"`
	BatteryCapacityWh int64  `json:"battery_capacity_wh"`
}

func (s *Server) handleRegisterVehicle(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req registerVehicleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.VIN == "" {
		WriteBadRequest(w, "Missing required field: vin")
		return
	}
	if err := s.node.RegisterVehicle(r.Context(), p, req.VIN, req.Model, req.BatteryCapacityWh); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	info, err := s.node.Vehicles().Get(r.PathValue("vin"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleVehicleCalculations(w http.ResponseWriter, r *http.Request) {
	ids := s.node.Engine().VehicleCalculationIDs(r.PathValue("vin"))
	writeJSON(w, http.StatusOK, map[string][]string{"calculation_ids": ids})
}

func (s *Server) handleVehicleCredits(w http.ResponseWriter, r *http.Request) {
	ids := s.node.Generator().VehicleCreditIDs(r.PathValue("vin"))
	writeJSON(w, http.StatusOK, map[string][]string{"credit_ids": ids})
}

func (s *Server) handleVehicleBalance(w http.ResponseWriter, r *http.Request) {
	bal := s.node.Ledger().VehicleBalance(r.PathValue("vin"))
	writeJSON(w, http.StatusOK, map[string]string{"balance": bal.String()})
}

// --- calculations ---

type calculateRequest struct {
	VIN     string `json:"vin"`
	Period  string `json:"period"`
	Mileage string `json:"mileage"`
	Energy  string `json:"energy"`
}

type calculationResponse struct {
	ID              string `json:"id"`
	VIN             string `json:"vin"`
	Period          string `json:"period"`
	Mileage         string `json:"mileage"`
	EnergyConsumed  string `json:"energy_consumed"`
	CarbonReduction string `json:"carbon_reduction"`
	Status          string `json:"status"`
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req calculateRequest
	if !decode(w, r, &req) {
		return
	}
	mileage, ok := parseAmount(w, req.Mileage, "mileage")
	if !ok {
		return
	}
	energy, ok := parseAmount(w, req.Energy, "energy")
	if !ok {
		return
	}
	id, err := s.node.Calculate(r.Context(), p, req.VIN, req.Period, mileage, energy)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.obs.RecordCalculation(r.Context(), req.VIN)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetCalculation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.node.Engine().Get(r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calculationResponse{
		ID:              rec.ID,
		VIN:             rec.VIN,
		Period:          rec.PeriodDate,
		Mileage:         rec.Mileage.String(),
		EnergyConsumed:  rec.EnergyConsumed.String(),
		CarbonReduction: rec.CarbonReduction.String(),
		Status:          string(rec.Status),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.node.Verify(r.Context(), p, r.PathValue("id")); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.node.Reject(r.Context(), p, r.PathValue("id")); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreditForCalculation(w http.ResponseWriter, r *http.Request) {
	creditID, err := s.node.Generator().CreditForCalculation(r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credit_id": creditID})
}

// --- credits ---

type generateRequest struct {
	CalculationID string `json:"calculation_id"`
}

type creditResponse struct {
	ID            string `json:"id"`
	CalculationID string `json:"calculation_id"`
	VIN           string `json:"vin"`
	Amount        string `json:"amount"`
	IsIssued      bool   `json:"is_issued"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req generateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CalculationID == "" {
		WriteBadRequest(w, "Missing required field: calculation_id")
		return
	}
	id, err := s.node.Generate(r.Context(), p, req.CalculationID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if rec, err := s.node.Generator().Get(id); err == nil {
		s.obs.RecordCreditsGenerated(r.Context(), rec.Amount.Float64())
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetCredit(w http.ResponseWriter, r *http.Request) {
	rec, err := s.node.Generator().Get(r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creditResponse{
		ID:            rec.ID,
		CalculationID: rec.CalculationID,
		VIN:           rec.VIN,
		Amount:        rec.Amount.String(),
		IsIssued:      rec.IsIssued,
	})
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	if err := s.node.Issue(r.Context(), p, r.PathValue("id")); err != nil {
		WriteDomainError(w, err)
		return
	}
	if rec, err := s.node.Generator().Get(r.PathValue("id")); err == nil {
		s.obs.RecordCreditsIssued(r.Context(), rec.Amount.Float64())
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- transfers and usage ---

type vehicleTransferRequest struct {
	VIN    string `json:"vin"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleTransferFromVehicle(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req vehicleTransferRequest
	if !decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount, "amount")
	if !ok {
		return
	}
	if err := s.node.TransferFromVehicle(r.Context(), p, req.VIN, auth.Principal(req.To), amount); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount, "amount")
	if !ok {
		return
	}
	if err := s.node.Transfer(r.Context(), p, auth.Principal(req.To), amount); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type useRequest struct {
	Amount  string `json:"amount"`
	Purpose string `json:"purpose"`
}

func (s *Server) handleUse(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req useRequest
	if !decode(w, r, &req) {
		return
	}
	amount, ok := parseAmount(w, req.Amount, "amount")
	if !ok {
		return
	}
	id, err := s.node.Use(r.Context(), p, amount, req.Purpose)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	s.obs.RecordCreditsUsed(r.Context(), amount.Float64())
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type usageResponse struct {
	ID        string `json:"id"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Purpose   string `json:"purpose"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.node.Ledger().Usage(r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		ID:        rec.ID,
		Account:   string(rec.Account),
		Amount:    rec.Amount.String(),
		Purpose:   rec.Purpose,
		Timestamp: rec.Timestamp.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAccountBalance(w http.ResponseWriter, r *http.Request) {
	bal := s.node.Ledger().AccountBalance(auth.Principal(r.PathValue("principal")))
	writeJSON(w, http.StatusOK, map[string]string{"balance": bal.String()})
}

func (s *Server) handleAccountUsages(w http.ResponseWriter, r *http.Request) {
	p := auth.Principal(r.PathValue("principal"))
	count := s.node.Ledger().AccountUsageCount(p)
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id, err := s.node.Ledger().AccountUsageID(p, i)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count, "usage_ids": ids})
}

func (s *Server) handleLedgerTotals(w http.ResponseWriter, r *http.Request) {
	l := s.node.Ledger()
	writeJSON(w, http.StatusOK, map[string]string{
		"total_issued": l.TotalIssued().String(),
		"total_used":   l.TotalUsed().String(),
	})
}

// --- parameters ---

type parametersResponse struct {
	GridEmissionFactor   string `json:"grid_emission_factor"`
	FuelComparisonFactor string `json:"fuel_comparison_factor"`
	ConversionRate       string `json:"conversion_rate"`
}

func (s *Server) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	f := s.node.Engine().Factors()
	writeJSON(w, http.StatusOK, parametersResponse{
		GridEmissionFactor:   f.GridEmissionFactor.String(),
		FuelComparisonFactor: f.FuelComparisonFactor.String(),
		ConversionRate:       s.node.Generator().ConversionRate().String(),
	})
}

type setParametersRequest struct {
	GridEmissionFactor   string `json:"grid_emission_factor,omitempty"`
	FuelComparisonFactor string `json:"fuel_comparison_factor,omitempty"`
	ConversionRate       string `json:"conversion_rate,omitempty"`
}

func (s *Server) handleSetParameters(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req setParametersRequest
	if !decode(w, r, &req) {
		return
	}
	if req.GridEmissionFactor != "" {
		v, ok := parseAmount(w, req.GridEmissionFactor, "grid_emission_factor")
		if !ok {
			return
		}
		if err := s.node.SetGridEmissionFactor(r.Context(), p, v); err != nil {
			WriteDomainError(w, err)
			return
		}
	}
	if req.FuelComparisonFactor != "" {
		v, ok := parseAmount(w, req.FuelComparisonFactor, "fuel_comparison_factor")
		if !ok {
			return
		}
		if err := s.node.SetFuelComparisonFactor(r.Context(), p, v); err != nil {
			WriteDomainError(w, err)
			return
		}
	}
	if req.ConversionRate != "" {
		v, ok := parseAmount(w, req.ConversionRate, "conversion_rate")
		if !ok {
			return
		}
		if err := s.node.SetConversionRate(r.Context(), p, v); err != nil {
			WriteDomainError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- contracts ---

type contractRequest struct {
	Name    string `json:"name"`
	Locator string `json:"locator"`
	Version uint64 `json:"version"`
}

func (s *Server) handleRegisterContract(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req contractRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "Missing required field: name")
		return
	}
	if err := s.node.RegisterContract(r.Context(), p, req.Name, req.Locator, req.Version); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUpgradeContract(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req contractRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.node.UpgradeContract(r.Context(), p, r.PathValue("name"), req.Locator, req.Version); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolveContract(w http.ResponseWriter, r *http.Request) {
	e, err := s.node.Contracts().Resolve(r.PathValue("name"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// --- observations ---

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			WriteBadRequest(w, "Invalid limit")
			return
		}
		limit = n
	}
	records, err := s.node.Observations().List(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
