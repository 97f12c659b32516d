package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/marketloop/providerkit/internal/data"
	"github.com/marketloop/providerkit/internal/provider"
	"github.com/marketloop/providerkit/pkg/logger"
)

// Backend is an in-memory storefront backend speaking the REST+socket
// protocol. It exists for local development and integration tests; nothing
// here persists.
type Backend struct {
	log      *logger.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	mu          sync.Mutex
	users       map[string]*account           // email -> account
	access      map[string]string             // access token -> user id
	refresh     map[string]string             // refresh token -> user id
	collections map[string]map[string]data.Document

	clientsMu sync.Mutex
	clients   map[*socketClient]struct{}
}

type account struct {
	ID       string
	Email    string
	Name     string
	Password string
}

type wireQuery struct {
	Offset         *int             `json:"offset,omitempty"`
	Limit          *int             `json:"limit,omitempty"`
	OrderBy        string           `json:"orderBy,omitempty"`
	OrderDirection string           `json:"orderDirection,omitempty"`
	Filters        []data.Condition `json:"filters,omitempty"`
}

// NewBackend creates the backend with empty state.
func NewBackend(log *logger.Logger) *Backend {
	if log == nil {
		log = logger.Nop()
	}
	b := &Backend{
		log:         log,
		users:       make(map[string]*account),
		access:      make(map[string]string),
		refresh:     make(map[string]string),
		collections: make(map[string]map[string]data.Document),
		clients:     make(map[*socketClient]struct{}),
	}
	b.routes()
	return b
}

func (b *Backend) routes() {
	r := mux.NewRouter()

	r.HandleFunc("/auth/login", b.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/register", b.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", b.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/me", b.handleMe).Methods(http.MethodGet)
	r.HandleFunc("/auth/logout", b.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/social", b.handleSocial).Methods(http.MethodPost)
	r.HandleFunc("/auth/password-reset", b.handleAccepted).Methods(http.MethodPost)
	r.HandleFunc("/auth/verify-email", b.handleAccepted).Methods(http.MethodPost)

	r.HandleFunc("/data/{collection}/count", b.handleCount).Methods(http.MethodGet)
	r.HandleFunc("/data/{collection}/bulk", b.handleInsertMany).Methods(http.MethodPost)
	r.HandleFunc("/data/{collection}/{id}", b.handleGetByID).Methods(http.MethodGet)
	r.HandleFunc("/data/{collection}/{id}", b.handleUpdate).Methods(http.MethodPatch)
	r.HandleFunc("/data/{collection}/{id}", b.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/data/{collection}", b.handleQuery).Methods(http.MethodGet)
	r.HandleFunc("/data/{collection}", b.handleInsert).Methods(http.MethodPost)
	r.HandleFunc("/data/{collection}", b.handleUpdateMany).Methods(http.MethodPatch)
	r.HandleFunc("/data/{collection}", b.handleDeleteMany).Methods(http.MethodDelete)

	r.HandleFunc("/shipping/track", b.handleTrack).Methods(http.MethodGet)
	r.HandleFunc("/commission/balance", b.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/commission/payouts", b.handlePayout).Methods(http.MethodPost)

	r.HandleFunc("/socket", b.handleSocket)
	b.router = r
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.router.ServeHTTP(w, r)
}

// ---- envelope helpers ----

func writeOk(w http.ResponseWriter, payload interface{}) {
	env, err := provider.Ok(payload)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, provider.NewError(provider.CodeAPIError, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

func writeErr(w http.ResponseWriter, status int, perr *provider.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(provider.Fail(perr))
}

// ---- auth ----

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, provider.NewError(provider.CodeAPIError, "malformed body"))
		return
	}

	b.mu.Lock()
	acct, ok := b.users[strings.ToLower(req.Email)]
	if !ok || acct.Password != req.Password {
		b.mu.Unlock()
		writeErr(w, http.StatusUnauthorized, provider.NewError(provider.CodeNotAuthenticated, "invalid credentials"))
		return
	}
	session := b.issueSessionLocked(acct)
	b.mu.Unlock()

	writeOk(w, session)
}

func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeErr(w, http.StatusBadRequest, provider.NewError(provider.CodeAPIError, "email and password are required"))
		return
	}
	email := strings.ToLower(req.Email)

	b.mu.Lock()
	if _, exists := b.users[email]; exists {
		b.mu.Unlock()
		writeErr(w, http.StatusConflict, provider.NewError(provider.CodeAPIError, "email already registered"))
		return
	}
	acct := &account{ID: uuid.NewString(), Email: email, Name: req.Name, Password: req.Password}
	b.users[email] = acct
	session := b.issueSessionLocked(acct)
	b.mu.Unlock()

	writeOk(w, session)
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, provider.NewError(provider.CodeAPIError, "malformed body"))
		return
	}

	b.mu.Lock()
	userID, ok := b.refresh[req.RefreshToken]
	if !ok {
		b.mu.Unlock()
		writeErr(w, http.StatusUnauthorized, provider.NewError(provider.CodeNotAuthenticated, "unknown refresh token"))
		return
	}
	delete(b.refresh, req.RefreshToken)
	acct := b.accountByIDLocked(userID)
	session := b.issueSessionLocked(acct)
	b.mu.Unlock()

	// Refresh responses use the flat shape so clients exercise both
	// normalization paths against one backend.
	writeOk(w, map[string]interface{}{
		"access_token":  session["tokens"].(map[string]interface{})["access"],
		"refresh_token": session["tokens"].(map[string]interface{})["refresh"],
		"expires_in":    3600,
		"user":          session["user"],
	})
}

func (b *Backend) handleMe(w http.ResponseWriter, r *http.Request) {
	acct := b.authenticate(r)
	if acct == nil {
		writeErr(w, http.StatusUnauthorized, provider.NewError(provider.CodeNotAuthenticated, "invalid access token"))
		return
	}
	writeOk(w, map[string]string{"id": acct.ID, "email": acct.Email, "name": acct.Name})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	b.mu.Lock()
	delete(b.access, token)
	b.mu.Unlock()
	writeOk(w, map[string]bool{"loggedOut": true})
}

func (b *Backend) handleSocial(w http.ResponseWriter, r *http.Request) {
	writeErr(w, http.StatusNotImplemented, provider.NewError(provider.CodeNotSupported, "social login is not available on the mock backend"))
}

func (b *Backend) handleAccepted(w http.ResponseWriter, r *http.Request) {
	writeOk(w, map[string]bool{"accepted": true})
}

// issueSessionLocked mints tokens for an account. Callers hold b.mu.
func (b *Backend) issueSessionLocked(acct *account) map[string]interface{} {
	access := uuid.NewString()
	refresh := uuid.NewString()
	b.access[access] = acct.ID
	b.refresh[refresh] = acct.ID

	return map[string]interface{}{
		"user": map[string]interface{}{"id": acct.ID, "email": acct.Email, "name": acct.Name},
		"tokens": map[string]interface{}{
			"access":    access,
			"refresh":   refresh,
			"expiresIn": 3600,
		},
	}
}

func (b *Backend) accountByIDLocked(id string) *account {
	for _, acct := range b.users {
		if acct.ID == id {
			return acct
		}
	}
	return nil
}

func (b *Backend) authenticate(r *http.Request) *account {
	token := bearerToken(r)
	b.mu.Lock()
	defer b.mu.Unlock()
	userID, ok := b.access[token]
	if !ok {
		return nil
	}
	return b.accountByIDLocked(userID)
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// ---- data ----

func parseWireQuery(r *http.Request) (wireQuery, *provider.Error) {
	raw := r.URL.Query().Get("query")
	if raw == "" {
		return wireQuery{}, nil
	}
	var q wireQuery
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return wireQuery{}, provider.NewError(provider.CodeAPIError, "malformed query parameter")
	}
	return q, nil
}

func (b *Backend) handleQuery(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	q, perr := parseWireQuery(r)
	if perr != nil {
		writeErr(w, http.StatusBadRequest, perr)
		return
	}

	docs := b.selectDocuments(collection, q)
	writeOk(w, docs)
}

func (b *Backend) handleCount(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	q, perr := parseWireQuery(r)
	if perr != nil {
		writeErr(w, http.StatusBadRequest, perr)
		return
	}
	q.Limit = nil
	q.Offset = nil

	docs := b.selectDocuments(collection, q)
	writeOk(w, map[string]int{"count": len(docs)})
}

func (b *Backend) handleGetByID(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	b.mu.Lock()
	doc, ok := b.collections[vars["collection"]][vars["id"]]
	b.mu.Unlock()
	if !ok {
		writeErr(w, http.StatusNotFound, provider.NewError(provider.CodeAPIError, "record not found"))
		return
	}
	writeOk(w, doc)
}

func (b *Backend) handleInsert(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	var doc data.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeErr(w, http.StatusBadRequest, provider.NewError(provider.CodeAPIError, "malformed document"))
		return
	}

	stored := b.insert(collection, doc)
	writeOk(w, stored)
}

func (b *Backend) handleInsertMany(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	var docs []data.Document
	if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
		writeErr(w, http.StatusBadRequest, provider.NewError(provider.CodeAPIError, "malformed documents"))
		return
	}

	out := make([]data.Document, 0, len(docs))
	for _, doc := range docs {
		out = append(out, b.insert(collection, doc))
	}
	writeOk(w, out)
}

func (b *Backend) handleUpdate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var changes data.Document
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeErr(w, http.StatusBadRequest, provider.NewError(provider.CodeAPIError, "malformed changes"))
		return
	}

	b.mu.Lock()
	doc, ok := b.collections[vars["collection"]][vars["id"]]
	if !ok {
		b.mu.Unlock()
		writeErr(w, http.StatusNotFound, provider.NewError(provider.CodeAPIError, "record not found"))
		return
	}
	old := cloneDocument(doc)
	for k, v := range changes {
		doc[k] = v
	}
	updated := cloneDocument(doc)
	b.mu.Unlock()

	b.broadcastChange(data.ChangeEvent{
		Type: data.ChangeUpdate, Collection: vars["collection"], DocumentID: vars["id"],
		OldData: old, NewData: updated,
	})
	writeOk(w, updated)
}

func (b *Backend) handleUpdateMany(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	q, perr := parseWireQuery(r)
	if perr != nil {
		writeErr(w, http.StatusBadRequest, perr)
		return
	}
	var changes data.Document
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeErr(w, http.StatusBadRequest, provider.NewError(provider.CodeAPIError, "malformed changes"))
		return
	}

	var events []data.ChangeEvent
	b.mu.Lock()
	count := 0
	for id, doc := range b.collections[collection] {
		if !data.MatchesConditions(doc, q.Filters) {
			continue
		}
		old := cloneDocument(doc)
		for k, v := range changes {
			doc[k] = v
		}
		events = append(events, data.ChangeEvent{
			Type: data.ChangeUpdate, Collection: collection, DocumentID: id,
			OldData: old, NewData: cloneDocument(doc),
		})
		count++
	}
	b.mu.Unlock()

	for _, ev := range events {
		b.broadcastChange(ev)
	}
	writeOk(w, map[string]int{"count": count})
}

func (b *Backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	b.mu.Lock()
	doc, ok := b.collections[vars["collection"]][vars["id"]]
	if ok {
		delete(b.collections[vars["collection"]], vars["id"])
	}
	b.mu.Unlock()

	if ok {
		b.broadcastChange(data.ChangeEvent{
			Type: data.ChangeDelete, Collection: vars["collection"], DocumentID: vars["id"],
			OldData: doc,
		})
	}
	writeOk(w, map[string]bool{"deleted": ok})
}

func (b *Backend) handleDeleteMany(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]
	q, perr := parseWireQuery(r)
	if perr != nil {
		writeErr(w, http.StatusBadRequest, perr)
		return
	}

	var events []data.ChangeEvent
	b.mu.Lock()
	for id, doc := range b.collections[collection] {
		if data.MatchesConditions(doc, q.Filters) {
			delete(b.collections[collection], id)
			events = append(events, data.ChangeEvent{
				Type: data.ChangeDelete, Collection: collection, DocumentID: id, OldData: doc,
			})
		}
	}
	b.mu.Unlock()

	for _, ev := range events {
		b.broadcastChange(ev)
	}
	writeOk(w, map[string]int{"count": len(events)})
}

func (b *Backend) insert(collection string, doc data.Document) data.Document {
	stored := cloneDocument(doc)
	id, _ := stored["id"].(string)
	if id == "" {
		id = uuid.NewString()
		stored["id"] = id
	}

	b.mu.Lock()
	if b.collections[collection] == nil {
		b.collections[collection] = make(map[string]data.Document)
	}
	b.collections[collection][id] = stored
	out := cloneDocument(stored)
	b.mu.Unlock()

	b.broadcastChange(data.ChangeEvent{
		Type: data.ChangeInsert, Collection: collection, DocumentID: id, NewData: out,
	})
	return out
}

func (b *Backend) selectDocuments(collection string, q wireQuery) []data.Document {
	b.mu.Lock()
	docs := make([]data.Document, 0, len(b.collections[collection]))
	for _, doc := range b.collections[collection] {
		if data.MatchesConditions(doc, q.Filters) {
			docs = append(docs, cloneDocument(doc))
		}
	}
	b.mu.Unlock()

	if q.OrderBy != "" {
		sortDocuments(docs, q.OrderBy, q.OrderDirection == "desc")
	}
	if q.Offset != nil {
		if *q.Offset >= len(docs) {
			docs = nil
		} else {
			docs = docs[*q.Offset:]
		}
	}
	if q.Limit != nil && *q.Limit < len(docs) {
		docs = docs[:*q.Limit]
	}
	return docs
}

func cloneDocument(doc data.Document) data.Document {
	out := make(data.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// ---- shipping / commission ----

func (b *Backend) handleTrack(w http.ResponseWriter, r *http.Request) {
	tn := r.URL.Query().Get("trackingNumber")
	if tn == "" {
		writeErr(w, http.StatusBadRequest, provider.NewError(provider.CodeAPIError, "trackingNumber is required"))
		return
	}
	writeOk(w, map[string]interface{}{
		"trackingNumber": tn,
		"carrier":        r.URL.Query().Get("carrier"),
		"status":         "in_transit",
		"events": []map[string]interface{}{
			{"status": "picked_up", "timestamp": time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)},
			{"status": "in_transit", "timestamp": time.Now().UTC().Format(time.RFC3339)},
		},
	})
}

func (b *Backend) handleBalance(w http.ResponseWriter, r *http.Request) {
	writeOk(w, map[string]float64{"balance": 250.00})
}

func (b *Backend) handlePayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requested float64 `json:"requested"`
		Fee       float64 `json:"fee"`
		Net       float64 `json:"net"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Requested <= 0 {
		writeErr(w, http.StatusBadRequest, provider.NewError(provider.CodeAPIError, "malformed payout request"))
		return
	}
	writeOk(w, map[string]interface{}{"id": uuid.NewString(), "status": "pending", "net": req.Net})
}
