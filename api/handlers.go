package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cozyartz/techflunky-sub004/auth"
	"github.com/cozyartz/techflunky-sub004/escrow"
	"github.com/cozyartz/techflunky-sub004/listing"
	"github.com/cozyartz/techflunky-sub004/offer"
	"github.com/cozyartz/techflunky-sub004/tenant"
)

// Handlers groups the HTTP handler methods and their dependencies.
type Handlers struct {
	auth     *auth.Service
	listings *listing.Service
	offers   *offer.Service
	escrows  *escrow.Service
	feeBps   int
	logger   *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handlers) writeDomainError(w http.ResponseWriter, err error) {
	status, msg := statusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("unhandled request error", zap.Error(err))
	}
	writeError(w, status, msg)
}

func (h *Handlers) requireTenant(w http.ResponseWriter, r *http.Request) (*tenant.Context, bool) {
	t := tenantFrom(r)
	if t == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return t, true
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

// --- views ---

type userView struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	Role     auth.Role `json:"role"`
}

func newUserView(u auth.User) userView {
	return userView{ID: u.ID, Email: u.Email, FullName: u.FullName, Role: u.Role}
}

type listingView struct {
	ID          string         `json:"id"`
	SellerID    string         `json:"seller_id"`
	Title       string         `json:"title"`
	Category    string         `json:"category"`
	Description string         `json:"description"`
	AskingPrice int64          `json:"asking_price"`
	TechStack   []string       `json:"tech_stack,omitempty"`
	Status      listing.Status `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func newListingView(l listing.Listing) listingView {
	return listingView{
		ID:          l.ID,
		SellerID:    l.SellerID,
		Title:       l.Title,
		Category:    l.Category,
		Description: l.Description,
		AskingPrice: l.AskingPrice,
		TechStack:   l.TechStack,
		Status:      l.Status,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
}

type offerView struct {
	ID        string       `json:"id"`
	ListingID string       `json:"listing_id"`
	SellerID  string       `json:"seller_id"`
	BuyerID   string       `json:"buyer_id"`
	Amount    int64        `json:"amount"`
	Message   string       `json:"message,omitempty"`
	Status    offer.Status `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

func newOfferView(o offer.Offer) offerView {
	return offerView{
		ID:        o.ID,
		ListingID: o.ListingID,
		SellerID:  o.SellerID,
		BuyerID:   o.BuyerID,
		Amount:    o.Amount,
		Message:   o.Message,
		Status:    o.Status,
		CreatedAt: o.CreatedAt,
	}
}

type milestoneView struct {
	SequenceNumber int                    `json:"sequence_number"`
	Description    string                 `json:"description"`
	Amount         int64                  `json:"amount"`
	Deliverables   []string               `json:"deliverables,omitempty"`
	Delivered      []string               `json:"delivered,omitempty"`
	Status         escrow.MilestoneStatus `json:"status"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

func newMilestoneView(m escrow.Milestone) milestoneView {
	return milestoneView{
		SequenceNumber: m.SequenceNumber,
		Description:    m.Description,
		Amount:         m.Amount,
		Deliverables:   m.Deliverables,
		Delivered:      m.Delivered,
		Status:         m.Status,
		CompletedAt:    m.CompletedAt,
	}
}

type escrowView struct {
	ID                    string          `json:"id"`
	OfferID               string          `json:"offer_id"`
	SellerID              string          `json:"seller_id"`
	BuyerID               string          `json:"buyer_id"`
	Currency              string          `json:"currency"`
	TotalAmount           int64           `json:"total_amount"`
	PlatformFeeAmount     int64           `json:"platform_fee_amount"`
	CurrentMilestoneIndex int             `json:"current_milestone_index"`
	TotalMilestoneCount   int             `json:"total_milestone_count"`
	Status                escrow.Status   `json:"status"`
	Milestones            []milestoneView `json:"milestones,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func newEscrowView(txn escrow.Transaction, milestones []escrow.Milestone) escrowView {
	view := escrowView{
		ID:                    txn.ID,
		OfferID:               txn.OfferID,
		SellerID:              txn.SellerID,
		BuyerID:               txn.BuyerID,
		Currency:              txn.Currency,
		TotalAmount:           txn.TotalAmount,
		PlatformFeeAmount:     txn.PlatformFeeAmount,
		CurrentMilestoneIndex: txn.CurrentMilestoneIndex,
		TotalMilestoneCount:   txn.TotalMilestoneCount,
		Status:                txn.Status,
		CreatedAt:             txn.CreatedAt,
		UpdatedAt:             txn.UpdatedAt,
	}
	for _, m := range milestones {
		view.Milestones = append(view.Milestones, newMilestoneView(m))
	}
	return view
}

// --- auth ---

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.auth.Register(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserView(*user))
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.auth.Login(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  newUserView(result.User),
	})
}

// --- listings ---

type listingRequest struct {
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	AskingPrice int64    `json:"asking_price"`
	TechStack   []string `json:"tech_stack"`
}

func (h *Handlers) CreateListing(w http.ResponseWriter, r *http.Request) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	var req listingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.listings.Create(r.Context(), t, listing.CreateParams{
		Title:       req.Title,
		Category:    req.Category,
		Description: req.Description,
		AskingPrice: req.AskingPrice,
		TechStack:   req.TechStack,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newListingView(created))
}

func (h *Handlers) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var priceMin, priceMax int64
	if v, err := strconv.ParseInt(q.Get("price_min"), 10, 64); err == nil {
		priceMin = v
	}
	if v, err := strconv.ParseInt(q.Get("price_max"), 10, 64); err == nil {
		priceMax = v
	}

	result, err := h.listings.List(r.Context(), tenantFrom(r), listing.Filters{
		Category:  q.Get("category"),
		Status:    listing.Status(q.Get("status")),
		PriceMin:  priceMin,
		PriceMax:  priceMax,
		Page:      parseIntDefault(q.Get("page"), 1),
		PageSize:  parseIntDefault(q.Get("page_size"), 20),
		SortKey:   q.Get("sort"),
		SortOrder: q.Get("order"),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]listingView, 0, len(result.Items))
	for _, l := range result.Items {
		items = append(items, newListingView(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": result.Total})
}

func (h *Handlers) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.listings.Get(r.Context(), tenantFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingView(l))
}

func (h *Handlers) UpdateListing(w http.ResponseWriter, r *http.Request) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	var req listingRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.listings.Update(r.Context(), t, listing.UpdateParams{
		ListingID:   chi.URLParam(r, "id"),
		Title:       req.Title,
		Category:    req.Category,
		Description: req.Description,
		AskingPrice: req.AskingPrice,
		TechStack:   req.TechStack,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingView(updated))
}

func (h *Handlers) PublishListing(w http.ResponseWriter, r *http.Request) {
	h.transitionListing(w, r, h.listings.Publish)
}

func (h *Handlers) ArchiveListing(w http.ResponseWriter, r *http.Request) {
	h.transitionListing(w, r, h.listings.Archive)
}

func (h *Handlers) transitionListing(w http.ResponseWriter, r *http.Request, op func(context.Context, *tenant.Context, string) (listing.Listing, error)) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	updated, err := op(r.Context(), t, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newListingView(updated))
}

// --- offers ---

func (h *Handlers) CreateOffer(w http.ResponseWriter, r *http.Request) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	var req struct {
		ListingID string `json:"listing_id"`
		Amount    int64  `json:"amount"`
		Message   string `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.offers.Create(r.Context(), t, offer.CreateParams{
		ListingID: req.ListingID,
		Amount:    req.Amount,
		Message:   req.Message,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOfferView(created))
}

func (h *Handlers) ListOffers(w http.ResponseWriter, r *http.Request) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	result, err := h.offers.List(r.Context(), t, offer.Filters{
		ListingID: q.Get("listing_id"),
		Status:    offer.Status(q.Get("status")),
		Page:      parseIntDefault(q.Get("page"), 1),
		PageSize:  parseIntDefault(q.Get("page_size"), 20),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	items := make([]offerView, 0, len(result.Items))
	for _, o := range result.Items {
		items = append(items, newOfferView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": result.Total})
}

func (h *Handlers) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	result, err := h.offers.Accept(r.Context(), t, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"offer":           newOfferView(result.Offer),
		"rivals_rejected": result.RivalsRejected,
	})
}

func (h *Handlers) RejectOffer(w http.ResponseWriter, r *http.Request) {
	h.closeOffer(w, r, h.offers.Reject)
}

func (h *Handlers) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	h.closeOffer(w, r, h.offers.Withdraw)
}

func (h *Handlers) closeOffer(w http.ResponseWriter, r *http.Request, op func(context.Context, *tenant.Context, string) (offer.Offer, error)) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	updated, err := op(r.Context(), t, chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOfferView(updated))
}

// --- escrows ---

type milestoneRequest struct {
	Description  string   `json:"description"`
	Amount       int64    `json:"amount"`
	Deliverables []string `json:"deliverables"`
}

// CreateEscrow funds an accepted offer. The caller must be the offer's buyer;
// the platform fee is computed here from the configured rate so clients
// cannot pick their own.
func (h *Handlers) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	if !tenant.Authorize(t, tenant.ResourceEscrow, "", tenant.ActionCreate) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req struct {
		OfferID    string             `json:"offer_id"`
		Currency   string             `json:"currency"`
		Milestones []milestoneRequest `json:"milestones"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := h.offers.Get(r.Context(), t, req.OfferID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !t.IsOperator() && o.BuyerID != t.BuyerID() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	milestones := make([]escrow.MilestoneInput, len(req.Milestones))
	for i, m := range req.Milestones {
		milestones[i] = escrow.MilestoneInput{
			Description:  m.Description,
			Amount:       m.Amount,
			Deliverables: m.Deliverables,
		}
	}

	created, err := h.escrows.Create(r.Context(), escrow.CreateParams{
		OfferID:           o.ID,
		SellerID:          o.SellerID,
		BuyerID:           o.BuyerID,
		Currency:          req.Currency,
		TotalAmount:       o.Amount,
		PlatformFeeAmount: o.Amount * int64(h.feeBps) / 10000,
		Milestones:        milestones,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEscrowView(created, nil))
}

// loadEscrowForParty fetches the escrow and rejects callers that are not a
// party to it. Non-parties get 404 so escrow ids do not leak across tenants.
func (h *Handlers) loadEscrowForParty(w http.ResponseWriter, r *http.Request, t *tenant.Context) (escrow.Transaction, []escrow.Milestone, bool) {
	txn, milestones, err := h.escrows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return escrow.Transaction{}, nil, false
	}
	if !t.IsOperator() && txn.SellerID != t.SellerID() && txn.BuyerID != t.BuyerID() {
		writeError(w, http.StatusNotFound, "not found")
		return escrow.Transaction{}, nil, false
	}
	return txn, milestones, true
}

func (h *Handlers) GetEscrow(w http.ResponseWriter, r *http.Request) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	txn, milestones, ok := h.loadEscrowForParty(w, r, t)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newEscrowView(txn, milestones))
}

func (h *Handlers) CompleteMilestone(w http.ResponseWriter, r *http.Request) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	txn, _, ok := h.loadEscrowForParty(w, r, t)
	if !ok {
		return
	}
	// Only the selling side delivers milestones.
	if !t.IsOperator() && txn.SellerID != t.SellerID() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid milestone sequence")
		return
	}
	var req struct {
		Delivered []string `json:"delivered"`
	}
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := h.escrows.CompleteMilestone(r.Context(), escrow.CompleteParams{
		EscrowID:       txn.ID,
		SequenceNumber: seq,
		CompletedBy:    t.UserID,
		Delivered:      req.Delivered,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escrow":          newEscrowView(result.Transaction, nil),
		"milestone":       newMilestoneView(result.Milestone),
		"amount_released": result.AmountReleased,
		"fee_share":       result.FeeShare,
		"transfer_id":     result.TransferID,
	})
}

func (h *Handlers) DisputeMilestone(w http.ResponseWriter, r *http.Request) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	txn, _, ok := h.loadEscrowForParty(w, r, t)
	if !ok {
		return
	}

	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid milestone sequence")
		return
	}
	var req struct {
		DisputeType string `json:"dispute_type"`
		Description string `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	dispute, err := h.escrows.DisputeMilestone(r.Context(), escrow.DisputeParams{
		EscrowID:       txn.ID,
		SequenceNumber: seq,
		InitiatedBy:    t.UserID,
		DisputeType:    req.DisputeType,
		Description:    req.Description,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                 dispute.ID,
		"escrow_id":          dispute.EscrowID,
		"milestone_sequence": dispute.MilestoneSequence,
		"status":             dispute.Status,
	})
}

func (h *Handlers) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	// Dispute review is an operator function.
	if !t.IsOperator() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.escrows.ResolveDispute(r.Context(), chi.URLParam(r, "id"), escrow.Resolution(req.Resolution))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowView(updated, nil))
}

func (h *Handlers) CancelEscrow(w http.ResponseWriter, r *http.Request) {
	t, ok := h.requireTenant(w, r)
	if !ok {
		return
	}
	txn, _, ok := h.loadEscrowForParty(w, r, t)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	updated, err := h.escrows.Cancel(r.Context(), txn.ID, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowView(updated, nil))
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
