package live

import (
	"encoding/json"
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
	"github.com/dukerupert/famtask/internal/database"
	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/model"
	"github.com/dukerupert/famtask/internal/store"
)

// HandleFeed upgrades an authenticated member of ?family_id= to a websocket
// feed. The first message is a snapshot of the family's tasks.
func HandleFeed(hub *Hub, db database.DBTX, logger *slog.Logger) http.HandlerFunc {
	logger = logger.With("component", "live")
	families := store.NewFamilyStore(db)
	tasks := store.NewTaskStore(db)

	return func(w http.ResponseWriter, r *http.Request) {
		callerID, ok := identity.FromContext(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		familyID := r.URL.Query().Get("family_id")
		if familyID == "" {
			http.Error(w, "family_id is required", http.StatusBadRequest)
			return
		}

		family, err := families.GetByID(r.Context(), familyID)
		if err != nil {
			logger.Error("feed: get family", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if family == nil || !family.HasMember(callerID) {
			http.Error(w, "not a family member", http.StatusForbidden)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			logger.Warn("feed: accept", "error", err)
			return
		}

		c := NewConn(hub, conn, familyID)
		hub.Register(c)

		// Registered before the read so no committed change falls between
		// the snapshot and the first live event.
		list, err := tasks.List(r.Context(), familyID, model.TaskFilter{})
		if err != nil {
			logger.Error("feed: snapshot", "error", err)
			hub.Unregister(c)
			conn.Close(ws.StatusInternalError, "snapshot failed")
			return
		}
		snap := NewEvent(model.EntityTask, ActionSnapshot, familyID, "", family.UpdatedAt)
		snap.Tasks = list
		snap.Family = family
		data, err := json.Marshal(snap)
		if err != nil {
			logger.Error("feed: marshal snapshot", "error", err)
			hub.Unregister(c)
			conn.Close(ws.StatusInternalError, "snapshot failed")
			return
		}
		c.enqueue(r.Context(), data)

		logger.Debug("feed connected", "family_id", familyID, "member_id", callerID)
		c.Run(r.Context())
	}
}
