/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the directory and push a
	batch of sample bank alerts through the real import pipeline, so the
	review queue, wallets and audit trail have something to show.

AVAILABLE SCENARIOS:

	estate-basic:   Three residents and one alert per routing outcome
	                (fuzzy name, phone, house number, unknown sender,
	                structured narration, debit, newsletter)
	alias-learning: estate-basic residents plus a saved alias. The alias
	                wording is credited without review; the same payer
	                under new wording still lands in the queue

HOW SCENARIOS WORK:
 1. Upsert residents (stable IDs, so loading twice is harmless)
 2. Save aliases, audited like any reviewer write
 3. Run the importer over the sample emails

	Sample emails carry fixed message ids. Loading a scenario again imports
	nothing new: the pipeline counts those emails as skipped.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "estate-basic"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add a scenarioSpec to 'scenarioSpecs'

SEE ALSO:
  - handlers.go: Review and import endpoints the demo data feeds
  - reconcile/importer.go: The pipeline the emails go through
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/estate-reconciler/reconcile"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "estate-basic",
		Name:        "Estate Basic",
		Description: "Three residents and alerts covering every routing outcome",
	},
	{
		ID:          "alias-learning",
		Name:        "Alias Learning",
		Description: "A saved alias credits the wallet without review; new wording is still queued",
	},
}

type scenarioAlias struct {
	residentID reconcile.ResidentID
	text       string
}

type scenarioSpec struct {
	residents []reconcile.Resident
	aliases   []scenarioAlias
	emails    func(at time.Time) []reconcile.Email
}

const demoMailbox = "demo-alerts"

var estateResidents = []reconcile.Resident{
	{ID: "res-john", Code: "A-01", FirstName: "John", LastName: "Smith", Email: "john.smith@example.com", HouseNumbers: []string{"Block B Plot 2"}, Active: true},
	{ID: "res-ada", Code: "A-02", FirstName: "Ada", LastName: "Obi", Phone: "08031234567", Active: true},
	{ID: "res-musa", Code: "A-03", FirstName: "Musa", LastName: "Bello", AlternateNames: []string{"Musa Bello Enterprises"}, HouseNumbers: []string{"Block A Plot 5"}, Active: true},
}

var scenarioSpecs = map[string]scenarioSpec{
	"estate-basic": {
		residents: estateResidents,
		emails:    estateBasicEmails,
	},
	"alias-learning": {
		residents: estateResidents,
		aliases:   []scenarioAlias{{residentID: "res-john", text: "J SMITH VENTURES"}},
		emails:    aliasLearningEmails,
	},
}

func freeTextCredit(id, sender, amount, ref string, at time.Time) reconcile.Email {
	return reconcile.Email{
		MessageID: id,
		Mailbox:   demoMailbox,
		From:      "alerts@firstbank.example",
		Subject:   "Credit Alert",
		Body: fmt.Sprintf("Your account ****1234 has been credited with NGN %s by %s on %s. Ref: %s. Avail Bal: NGN 2,450,000.00",
			amount, sender, at.Format("02/01/2006"), ref),
		ReceivedAt: at,
	}
}

func estateBasicEmails(at time.Time) []reconcile.Email {
	return []reconcile.Email{
		// fuzzy name, queued with medium confidence
		freeTextCredit("<demo-basic-1@firstbank.example>", "JOHN A SMITH TRF", "50,000.00", "FT25020001", at),
		// phone number in the narration, high confidence
		freeTextCredit("<demo-basic-2@firstbank.example>", "MOBILE TRF 08031234567", "35,000.00", "FT25020002", at),
		// house number only
		freeTextCredit("<demo-basic-3@firstbank.example>", "BLOCK A PLOT 5 SERVICE CHARGE", "20,000.00", "FT25020003", at),
		// nobody we know, stays pending
		freeTextCredit("<demo-basic-4@firstbank.example>", "ZENITH OUTSOURCING LTD", "12,500.00", "FT25020004", at),
		{
			MessageID: "<demo-basic-5@firstbank.example>",
			Mailbox:   demoMailbox,
			From:      "alerts@firstbank.example",
			Subject:   "FirstBank Transaction Alert",
			Body: "<table><tr><td>Date/Time</td><td>" + at.Format("02-Jan-06") + " 03:40 PM</td></tr>" +
				"<tr><td>Account Number</td><td>202XXXX725</td></tr>" +
				"<tr><td>Amount</td><td>15,000.00 CR</td></tr>" +
				"<tr><td>Narration</td><td>FIP:GTB/ANIH LANA/NIP</td></tr></table>",
			ReceivedAt: at,
		},
		{
			MessageID:  "<demo-basic-6@firstbank.example>",
			Mailbox:    demoMailbox,
			From:       "alerts@firstbank.example",
			Subject:    "Debit Alert",
			Body:       "NGN 25,000.00 debited from ****5678 for DIESEL SUPPLY on " + at.Format("02/01/2006") + ".",
			ReceivedAt: at,
		},
		{
			MessageID:  "<demo-basic-7@firstbank.example>",
			Mailbox:    demoMailbox,
			From:       "newsletter@firstbank.example",
			Subject:    "Your monthly newsletter",
			Body:       "<p>Save more this season with our new fixed deposit plans.</p>",
			ReceivedAt: at,
		},
	}
}

func aliasLearningEmails(at time.Time) []reconcile.Email {
	return []reconcile.Email{
		freeTextCredit("<demo-alias-1@firstbank.example>", "J SMITH VENTURES", "50,000.00", "FT25021001", at),
		// same resident, unknown wording: still needs a reviewer
		freeTextCredit("<demo-alias-2@firstbank.example>", "JOHN A SMITH TRF", "50,000.00", "FT25021002", at.Add(time.Hour)),
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario seeds residents and runs the scenario's emails.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	spec, ok := scenarioSpecs[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("%q", req.ScenarioID))
		return
	}

	session, err := h.loadScenario(r.Context(), spec)
	if err != nil {
		writeDomainError(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	resp := LoadScenarioResponse{Residents: len(spec.residents)}
	for _, s := range scenarios {
		if s.ID == req.ScenarioID {
			resp.Scenario = s
		}
	}
	if session != nil {
		dto := toSessionDTO(*session)
		resp.Session = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) loadScenario(ctx context.Context, spec scenarioSpec) (*reconcile.ImportSession, error) {
	now := h.now()
	for _, res := range spec.residents {
		res.CreatedAt = now
		if err := h.Store.SaveResident(ctx, res); err != nil {
			return nil, fmt.Errorf("save resident %s: %w", res.ID, err)
		}
	}
	for _, a := range spec.aliases {
		if _, err := reconcile.RegisterAlias(ctx, h.Store, a.residentID, a.text, reconcile.SystemActor, now); err != nil {
			return nil, fmt.Errorf("save alias %q: %w", a.text, err)
		}
	}
	if spec.emails == nil {
		return nil, nil
	}
	return h.Importer.Run(ctx, demoMailbox, spec.emails(now))
}
