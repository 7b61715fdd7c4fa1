// Package pylon glues the relay link to the local stores and the assistant
// manager: it dispatches inbound envelopes, pumps assistant events out to
// viewing clients, and owns all mutations of the workspace and message
// stores.
package pylon

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/estelle/pylon/internal/blob"
	"github.com/estelle/pylon/internal/claude"
	apperrors "github.com/estelle/pylon/internal/common/errors"
	"github.com/estelle/pylon/internal/common/logger"
	"github.com/estelle/pylon/internal/folder"
	"github.com/estelle/pylon/internal/identity"
	"github.com/estelle/pylon/internal/messages"
	"github.com/estelle/pylon/internal/persistence"
	"github.com/estelle/pylon/internal/relay"
	"github.com/estelle/pylon/internal/task"
	"github.com/estelle/pylon/internal/workspace"
)

// Sender delivers envelopes to the relay. Satisfied by *relay.Client.
type Sender interface {
	Send(env *relay.Envelope) error
}

// Assistant is the slice of the session manager the router drives.
// Satisfied by *claude.Manager.
type Assistant interface {
	SendMessage(id identity.ConversationID, text string, attachments []string) error
	Stop(id identity.ConversationID) error
	NewSession(id identity.ConversationID) error
	RespondPermission(id identity.ConversationID, toolUseID, decision, message string) error
	RespondQuestion(id identity.ConversationID, toolUseID, answer string) error
	Events() <-chan claude.Event
	Cleanup()
}

// Deps carries the router's collaborators.
type Deps struct {
	Sender     Sender
	Workspaces *workspace.Store
	Messages   *messages.Store
	Assistant  Assistant
	Folders    *folder.Service
	Tasks      *task.Service
	Blobs      *blob.Store
	Packets    *PacketLog // optional
}

// Router dispatches relay traffic and assistant events for one pylon.
type Router struct {
	sender     Sender
	workspaces *workspace.Store
	msgs       *messages.Store
	assistant  Assistant
	folders    *folder.Service
	tasks      *task.Service
	blobs      *blob.Store
	packets    *PacketLog

	viewers *viewerRegistry
	pending *pendingRequests

	version     string
	environment string
	logger      *logger.Logger

	// convLocks serializes the append-then-fan-out critical section per
	// conversation so stream order matches log order.
	convMu    sync.Mutex
	convLocks map[identity.ConversationID]*sync.Mutex

	// textBuf accumulates text deltas until the block completes. Only the
	// event pump goroutine touches it.
	textBuf map[identity.ConversationID]*strings.Builder
}

// NewRouter builds a router. Version and environment are echoed in pong
// replies and presence announcements.
func NewRouter(deps Deps, version, environment string, log *logger.Logger) *Router {
	return &Router{
		sender:      deps.Sender,
		workspaces:  deps.Workspaces,
		msgs:        deps.Messages,
		assistant:   deps.Assistant,
		folders:     deps.Folders,
		tasks:       deps.Tasks,
		blobs:       deps.Blobs,
		packets:     deps.Packets,
		viewers:     newViewerRegistry(),
		pending:     newPendingRequests(),
		version:     version,
		environment: environment,
		logger:      log.WithComponent("router"),
		convLocks:   make(map[identity.ConversationID]*sync.Mutex),
		textBuf:     make(map[identity.ConversationID]*strings.Builder),
	}
}

func (r *Router) convLock(id identity.ConversationID) *sync.Mutex {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	lock, ok := r.convLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.convLocks[id] = lock
	}
	return lock
}

// send writes one envelope to the relay, logging it on the way out.
func (r *Router) send(env *relay.Envelope) error {
	r.packets.record("out", env)
	if err := r.sender.Send(env); err != nil {
		r.logger.Warn("send failed", zap.String("type", env.Type), zap.Error(err))
		return err
	}
	return nil
}

func (r *Router) sendTo(deviceID int, typ string, payload any) {
	env, err := relay.NewEnvelope(typ, payload)
	if err != nil {
		r.logger.Error("encode envelope", zap.String("type", typ), zap.Error(err))
		return
	}
	env.To = deviceID
	_ = r.send(env)
}

func (r *Router) broadcast(typ string, payload any) {
	env, err := relay.NewEnvelope(typ, payload)
	if err != nil {
		r.logger.Error("encode envelope", zap.String("type", typ), zap.Error(err))
		return
	}
	env.Broadcast = "clients"
	_ = r.send(env)
}

// replyOK sends the symmetric success reply for a mutation.
func (r *Router) replyOK(deviceID int, typ, requestID string) {
	r.sendTo(deviceID, typ, map[string]any{
		"requestId": requestID,
		"success":   true,
	})
}

// replyErr reports a handler failure back to the requesting device as the
// request's symmetric *_result type with success:false. Fire-and-forget
// request types without a result type of their own pass "error".
func (r *Router) replyErr(deviceID int, typ, requestID string, err error) {
	r.sendTo(deviceID, typ, map[string]any{
		"requestId": requestID,
		"success":   false,
		"error":     err.Error(),
	})
}

// broadcastWorkspaces pushes the full workspace tree to every client after
// a structural mutation.
func (r *Router) broadcastWorkspaces() {
	r.broadcast("workspace_update", map[string]any{
		"workspaces": r.workspaces.GetAllWorkspaces(),
	})
}

// AnnouncePresence tells all clients this pylon is online. Called on every
// relay (re)connect.
func (r *Router) AnnouncePresence() {
	r.broadcast("device_status", map[string]any{
		"deviceId":    r.workspaces.PylonID(),
		"deviceType":  "pylon",
		"status":      "online",
		"version":     r.version,
		"environment": r.environment,
	})
	r.broadcastWorkspaces()
}

// HandleEnvelope dispatches one inbound envelope. Wire it to the relay
// client's handler.
func (r *Router) HandleEnvelope(env *relay.Envelope) {
	r.packets.record("in", env)

	from := -1
	if env.From != nil {
		from = env.From.DeviceID
	}

	if strings.HasSuffix(env.Type, "_result") {
		var p requestIDPayload
		if err := env.DecodePayload(&p); err == nil && p.RequestID != "" {
			if r.pending.resolve(p.RequestID, env) {
				return
			}
		}
	}

	switch env.Type {
	case "ping":
		r.handlePing(from, env)
	case "workspace_list":
		r.handleWorkspaceList(from, env)
	case "workspace_create":
		r.handleWorkspaceCreate(from, env)
	case "workspace_rename":
		r.handleWorkspaceRename(from, env)
	case "workspace_delete":
		r.handleWorkspaceDelete(from, env)
	case "workspace_reorder":
		r.handleWorkspaceReorder(from, env)
	case "conversation_create":
		r.handleConversationCreate(from, env)
	case "conversation_rename":
		r.handleConversationRename(from, env)
	case "conversation_delete":
		r.handleConversationDelete(from, env)
	case "conversation_reorder":
		r.handleConversationReorder(from, env)
	case "conversation_select":
		r.handleConversationSelect(from, env)
	case "conversation_deselect":
		r.handleConversationDeselect(from, env)
	case "user_message":
		r.handleUserMessage(from, env)
	case "stop":
		r.handleStop(from, env)
	case "new_session":
		r.handleNewSession(from, env)
	case "permission_response":
		r.handlePermissionResponse(from, env)
	case "question_response":
		r.handleQuestionResponse(from, env)
	case "folder_list":
		r.handleFolderList(from, env)
	case "folder_create":
		r.handleFolderCreate(from, env)
	case "folder_rename":
		r.handleFolderRename(from, env)
	case "task_list":
		r.handleTaskList(from, env)
	case "task_get":
		r.handleTaskGet(from, env)
	case "task_update_status":
		r.handleTaskUpdateStatus(from, env)
	case "blob_start":
		r.handleBlobStart(from, env)
	case "blob_chunk":
		r.handleBlobChunk(from, env)
	case "blob_end":
		r.handleBlobEnd(from, env)
	case "client_disconnect":
		r.handleClientDisconnect(env)
	default:
		r.logger.Warn("unknown envelope type", zap.String("type", env.Type))
	}
}

func (r *Router) handlePing(from int, env *relay.Envelope) {
	var p requestIDPayload
	_ = env.DecodePayload(&p)
	r.sendTo(from, "pong", map[string]any{
		"requestId":   p.RequestID,
		"deviceId":    r.workspaces.PylonID(),
		"version":     r.version,
		"environment": r.environment,
	})
}

func (r *Router) handleWorkspaceList(from int, env *relay.Envelope) {
	var p requestIDPayload
	_ = env.DecodePayload(&p)
	r.sendTo(from, "workspace_list_result", map[string]any{
		"requestId":  p.RequestID,
		"success":    true,
		"deviceId":   r.workspaces.PylonID(),
		"workspaces": r.workspaces.GetAllWorkspaces(),
	})
}

func (r *Router) handleWorkspaceCreate(from int, env *relay.Envelope) {
	var p workspaceCreatePayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "workspace_create_result", "", apperrors.InvalidInput("malformed workspace_create payload"))
		return
	}
	ws := r.workspaces.CreateWorkspace(p.Name, p.WorkingDir)
	if ws == nil {
		r.replyErr(from, "workspace_create_result", p.RequestID, apperrors.InvalidInput("workspace limit reached"))
		return
	}
	r.sendTo(from, "workspace_create_result", map[string]any{
		"requestId": p.RequestID,
		"success":   true,
		"workspace": ws,
	})
	r.broadcastWorkspaces()
}

func (r *Router) handleWorkspaceRename(from int, env *relay.Envelope) {
	var p workspaceRenamePayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "workspace_rename_result", "", apperrors.InvalidInput("malformed workspace_rename payload"))
		return
	}
	if !r.workspaces.RenameWorkspace(p.WorkspaceID, p.Name) {
		r.replyErr(from, "workspace_rename_result", p.RequestID, apperrors.NotFound("workspace", strconv.Itoa(p.WorkspaceID)))
		return
	}
	r.replyOK(from, "workspace_rename_result", p.RequestID)
	r.broadcastWorkspaces()
}

func (r *Router) handleWorkspaceDelete(from int, env *relay.Envelope) {
	var p workspaceDeletePayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "workspace_delete_result", "", apperrors.InvalidInput("malformed workspace_delete payload"))
		return
	}
	ws := r.workspaces.GetWorkspace(p.WorkspaceID)
	if ws == nil {
		r.replyErr(from, "workspace_delete_result", p.RequestID, apperrors.NotFound("workspace", strconv.Itoa(p.WorkspaceID)))
		return
	}
	// Kill live sessions and drop message logs before the tree entry goes.
	for _, conv := range ws.Conversations {
		_ = r.assistant.NewSession(conv.ID)
		r.msgs.DeleteConversation(conv.ID)
	}
	r.workspaces.DeleteWorkspace(p.WorkspaceID)
	r.replyOK(from, "workspace_delete_result", p.RequestID)
	r.broadcastWorkspaces()
}

func (r *Router) handleWorkspaceReorder(from int, env *relay.Envelope) {
	var p workspaceReorderPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "workspace_reorder_result", "", apperrors.InvalidInput("malformed workspace_reorder payload"))
		return
	}
	if !r.workspaces.ReorderWorkspaces(p.WorkspaceIDs) {
		r.replyErr(from, "workspace_reorder_result", p.RequestID, apperrors.InvalidInput("reorder list does not match workspaces"))
		return
	}
	r.replyOK(from, "workspace_reorder_result", p.RequestID)
	r.broadcastWorkspaces()
}

func (r *Router) handleConversationCreate(from int, env *relay.Envelope) {
	var p conversationCreatePayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "conversation_create_result", "", apperrors.InvalidInput("malformed conversation_create payload"))
		return
	}
	conv := r.workspaces.CreateConversation(p.WorkspaceID, p.Name)
	if conv == nil {
		if r.workspaces.GetWorkspace(p.WorkspaceID) != nil {
			r.replyErr(from, "conversation_create_result", p.RequestID, apperrors.InvalidInput("conversation limit reached"))
			return
		}
		r.replyErr(from, "conversation_create_result", p.RequestID, apperrors.NotFound("workspace", strconv.Itoa(p.WorkspaceID)))
		return
	}
	r.sendTo(from, "conversation_create_result", map[string]any{
		"requestId":    p.RequestID,
		"success":      true,
		"conversation": conv,
	})
	r.broadcastWorkspaces()
}

func (r *Router) handleConversationRename(from int, env *relay.Envelope) {
	var p conversationRenamePayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "conversation_rename_result", "", apperrors.InvalidInput("malformed conversation_rename payload"))
		return
	}
	if !r.workspaces.RenameConversation(p.ConversationID, p.Name) {
		r.replyErr(from, "conversation_rename_result", p.RequestID, apperrors.NotFound("conversation", p.ConversationID.String()))
		return
	}
	r.replyOK(from, "conversation_rename_result", p.RequestID)
	r.broadcastWorkspaces()
}

func (r *Router) handleConversationDelete(from int, env *relay.Envelope) {
	var p conversationIDPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "conversation_delete_result", "", apperrors.InvalidInput("malformed conversation_delete payload"))
		return
	}
	if r.workspaces.GetConversation(p.ConversationID) == nil {
		r.replyErr(from, "conversation_delete_result", p.RequestID, apperrors.NotFound("conversation", p.ConversationID.String()))
		return
	}
	_ = r.assistant.NewSession(p.ConversationID)
	r.workspaces.DeleteConversation(p.ConversationID)
	r.msgs.DeleteConversation(p.ConversationID)
	r.replyOK(from, "conversation_delete_result", p.RequestID)
	r.broadcastWorkspaces()
}

func (r *Router) handleConversationReorder(from int, env *relay.Envelope) {
	var p conversationReorderPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "conversation_reorder_result", "", apperrors.InvalidInput("malformed conversation_reorder payload"))
		return
	}
	if !r.workspaces.ReorderConversations(p.WorkspaceID, p.ConversationIDs) {
		r.replyErr(from, "conversation_reorder_result", p.RequestID, apperrors.InvalidInput("reorder list does not match conversations"))
		return
	}
	r.replyOK(from, "conversation_reorder_result", p.RequestID)
	r.broadcastWorkspaces()
}

func (r *Router) handleConversationSelect(from int, env *relay.Envelope) {
	var p conversationSelectPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "history_result", "", apperrors.InvalidInput("malformed conversation_select payload"))
		return
	}
	conv := r.workspaces.GetConversation(p.ConversationID)
	if conv == nil {
		r.replyErr(from, "history_result", p.RequestID, apperrors.NotFound("conversation", p.ConversationID.String()))
		return
	}
	if from >= 0 {
		r.viewers.add(p.ConversationID, from)
	}
	r.workspaces.SetActiveConversation(p.ConversationID)
	r.workspaces.UpdateConversationUnread(p.ConversationID, false)
	r.sendTo(from, "history_result", map[string]any{
		"requestId":      p.RequestID,
		"success":        true,
		"conversationId": p.ConversationID,
		"messages":       r.msgs.GetMessages(p.ConversationID),
	})
	r.broadcast("conversation_status", conversationStatusPayload{
		ConversationID: p.ConversationID,
		Status:         string(conv.Status),
	})
}

func (r *Router) handleConversationDeselect(from int, env *relay.Envelope) {
	var p conversationIDPayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	if from >= 0 {
		r.viewers.remove(p.ConversationID, from)
	}
}

func (r *Router) handleUserMessage(from int, env *relay.Envelope) {
	var p userMessagePayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "error", "", apperrors.InvalidInput("malformed user_message payload"))
		return
	}
	if r.workspaces.GetConversation(p.ConversationID) == nil {
		r.replyErr(from, "error", "", apperrors.NotFound("conversation", p.ConversationID.String()))
		return
	}

	// Append to the log and fan out inside one critical section so every
	// viewer sees the user turn before any assistant event for it.
	lock := r.convLock(p.ConversationID)
	lock.Lock()
	msg := r.msgs.AddUserMessage(p.ConversationID, p.Text)
	r.fanOut(p.ConversationID, claudeEventPayload{
		ConversationID: p.ConversationID,
		Event: userMessageEvent{
			Type:      "userMessage",
			ID:        msg.ID,
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
		},
	})
	lock.Unlock()

	if err := r.assistant.SendMessage(p.ConversationID, p.Text, p.Attachments); err != nil {
		r.logger.Error("send to assistant", zap.Error(err))
		lock.Lock()
		r.msgs.AddError(p.ConversationID, err.Error())
		lock.Unlock()
		r.replyErr(from, "error", "", err)
	}
}

func (r *Router) handleStop(from int, env *relay.Envelope) {
	var p conversationIDPayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	if err := r.assistant.Stop(p.ConversationID); err != nil {
		r.replyErr(from, "error", p.RequestID, err)
	}
}

func (r *Router) handleNewSession(from int, env *relay.Envelope) {
	var p conversationIDPayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	if err := r.assistant.NewSession(p.ConversationID); err != nil {
		r.replyErr(from, "error", p.RequestID, err)
	}
}

func (r *Router) handlePermissionResponse(from int, env *relay.Envelope) {
	var p permissionResponsePayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	if err := r.assistant.RespondPermission(p.ConversationID, p.ToolUseID, p.Decision, p.Message); err != nil {
		r.replyErr(from, "error", "", err)
	}
}

func (r *Router) handleQuestionResponse(from int, env *relay.Envelope) {
	var p questionResponsePayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	if err := r.assistant.RespondQuestion(p.ConversationID, p.ToolUseID, p.Answer); err != nil {
		r.replyErr(from, "error", "", err)
	}
}

func (r *Router) handleFolderList(from int, env *relay.Envelope) {
	var p folderListPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "folder_list_result", "", apperrors.InvalidInput("malformed folder_list payload"))
		return
	}
	entries, err := r.folders.List(p.Path)
	if err != nil {
		r.replyErr(from, "folder_list_result", p.RequestID, err)
		return
	}
	r.sendTo(from, "folder_list_result", map[string]any{
		"requestId": p.RequestID,
		"success":   true,
		"path":      p.Path,
		"folders":   entries,
	})
}

func (r *Router) handleFolderCreate(from int, env *relay.Envelope) {
	var p folderCreatePayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "folder_create_result", "", apperrors.InvalidInput("malformed folder_create payload"))
		return
	}
	entry, err := r.folders.Create(p.Path, p.Name)
	if err != nil {
		r.replyErr(from, "folder_create_result", p.RequestID, err)
		return
	}
	r.sendTo(from, "folder_create_result", map[string]any{
		"requestId": p.RequestID,
		"success":   true,
		"folder":    entry,
	})
}

func (r *Router) handleFolderRename(from int, env *relay.Envelope) {
	var p folderRenamePayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "folder_rename_result", "", apperrors.InvalidInput("malformed folder_rename payload"))
		return
	}
	entry, err := r.folders.Rename(p.Path, p.Name)
	if err != nil {
		r.replyErr(from, "folder_rename_result", p.RequestID, err)
		return
	}
	r.sendTo(from, "folder_rename_result", map[string]any{
		"requestId": p.RequestID,
		"success":   true,
		"folder":    entry,
	})
}

func (r *Router) handleTaskList(from int, env *relay.Envelope) {
	var p requestIDPayload
	_ = env.DecodePayload(&p)
	tasks, err := r.tasks.List()
	if err != nil {
		r.replyErr(from, "task_list_result", p.RequestID, err)
		return
	}
	r.sendTo(from, "task_list_result", map[string]any{
		"requestId": p.RequestID,
		"success":   true,
		"tasks":     tasks,
	})
}

func (r *Router) handleTaskGet(from int, env *relay.Envelope) {
	var p taskGetPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "task_get_result", "", apperrors.InvalidInput("malformed task_get payload"))
		return
	}
	t, err := r.tasks.Get(p.TaskID)
	if err != nil {
		r.replyErr(from, "task_get_result", p.RequestID, err)
		return
	}
	r.sendTo(from, "task_get_result", map[string]any{
		"requestId": p.RequestID,
		"success":   true,
		"task":      t,
	})
}

func (r *Router) handleTaskUpdateStatus(from int, env *relay.Envelope) {
	var p taskUpdateStatusPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "task_update_status_result", "", apperrors.InvalidInput("malformed task_update_status payload"))
		return
	}
	if err := r.tasks.UpdateStatus(p.TaskID, p.Status); err != nil {
		r.replyErr(from, "task_update_status_result", p.RequestID, err)
		return
	}
	r.sendTo(from, "task_update_status_result", map[string]any{
		"requestId": p.RequestID,
		"success":   true,
		"taskId":    p.TaskID,
		"status":    p.Status,
	})
}

func (r *Router) handleBlobStart(from int, env *relay.Envelope) {
	var p blobStartPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "error", "", apperrors.InvalidInput("malformed blob_start payload"))
		return
	}
	if err := r.blobs.Start(p.BlobID, p.Filename); err != nil {
		r.replyErr(from, "error", "", err)
	}
}

func (r *Router) handleBlobChunk(from int, env *relay.Envelope) {
	var p blobChunkPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "error", "", apperrors.InvalidInput("malformed blob_chunk payload"))
		return
	}
	if err := r.blobs.Chunk(p.BlobID, p.Data); err != nil {
		r.replyErr(from, "error", "", err)
	}
}

func (r *Router) handleBlobEnd(from int, env *relay.Envelope) {
	var p blobEndPayload
	if err := env.DecodePayload(&p); err != nil {
		r.replyErr(from, "blob_end_result", "", apperrors.InvalidInput("malformed blob_end payload"))
		return
	}
	path, err := r.blobs.End(p.BlobID)
	if err != nil {
		r.replyErr(from, "blob_end_result", p.RequestID, err)
		return
	}
	r.sendTo(from, "blob_end_result", map[string]any{
		"requestId": p.RequestID,
		"success":   true,
		"blobId":    p.BlobID,
		"path":      path,
	})
}

func (r *Router) handleClientDisconnect(env *relay.Envelope) {
	var p clientDisconnectPayload
	if err := env.DecodePayload(&p); err != nil {
		return
	}
	r.viewers.removeDevice(p.DeviceID)
}

// Request sends a request envelope to another device and blocks until the
// matching *_result envelope arrives or the timeout elapses. The payload
// gets a generated requestId injected.
func (r *Router) Request(target int, typ string, payload map[string]any) (*relay.Envelope, error) {
	requestID, ch := r.pending.register()
	if payload == nil {
		payload = map[string]any{}
	}
	payload["requestId"] = requestID
	env, err := relay.NewEnvelope(typ, payload)
	if err != nil {
		r.pending.drop(requestID)
		return nil, err
	}
	env.To = target
	if err := r.send(env); err != nil {
		r.pending.drop(requestID)
		return nil, err
	}
	return r.pending.await(requestID, ch, requestTimeout)
}

// fanOut unicasts a claude_event to every current viewer of the
// conversation.
func (r *Router) fanOut(id identity.ConversationID, payload claudeEventPayload) {
	for _, deviceID := range r.viewers.of(id) {
		r.sendTo(deviceID, "claude_event", payload)
	}
}

// Run consumes assistant events until the context is cancelled. Call it
// from a dedicated goroutine.
func (r *Router) Run(ctx context.Context) error {
	events := r.assistant.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.handleAssistantEvent(ev)
		}
	}
}

func (r *Router) handleAssistantEvent(ev claude.Event) {
	id := ev.ConversationID

	// State transitions become broadcasts, not per-viewer events, so every
	// client can paint sidebar status without selecting the conversation.
	if ev.Type == claude.EventState {
		r.workspaces.UpdateConversationStatus(id, workspace.Status(ev.Status))
		r.broadcast("conversation_status", conversationStatusPayload{
			ConversationID: id,
			Status:         ev.Status,
		})
		return
	}

	lock := r.convLock(id)
	lock.Lock()
	defer lock.Unlock()

	switch ev.Type {
	case claude.EventText:
		buf, ok := r.textBuf[id]
		if !ok {
			buf = &strings.Builder{}
			r.textBuf[id] = buf
		}
		buf.WriteString(ev.Text)
	case claude.EventTextComplete:
		text := ev.Text
		if text == "" {
			if buf, ok := r.textBuf[id]; ok {
				text = buf.String()
			}
		}
		delete(r.textBuf, id)
		if text != "" {
			r.msgs.AddAssistantText(id, text)
		}
	case claude.EventToolInfo:
		r.msgs.AddToolStart(id, ev.ToolUseID, ev.ToolName, ev.ToolInput)
	case claude.EventToolComplete:
		r.msgs.AddToolComplete(id, ev.ToolUseID, ev.ToolName, ev.Success, ev.Output)
	case claude.EventResult:
		if ev.Result != nil {
			r.msgs.AddResult(id, *ev.Result)
		}
		if r.viewers.count(id) == 0 {
			r.workspaces.UpdateConversationUnread(id, true)
		}
	case claude.EventError:
		r.msgs.AddError(id, ev.Text)
	case claude.EventAborted:
		delete(r.textBuf, id)
		r.msgs.AddAborted(id, ev.Reason)
	case claude.EventFileAttachment:
		if ev.File != nil {
			r.msgs.AddFileAttachment(id, *ev.File)
		}
	}

	r.fanOut(id, claudeEventPayload{ConversationID: id, Event: ev})
}

// Restore reloads persisted state on startup. Conversations that were
// mid-turn when the process died get an aborted marker so clients don't
// wait on a turn that will never finish.
func (r *Router) Restore(store persistence.Persistence) error {
	snap, err := store.LoadWorkspaceSnapshot()
	if err != nil {
		return apperrors.Wrap(err, "load workspace snapshot")
	}
	if len(snap) > 0 {
		if err := r.workspaces.FromJSON(snap); err != nil {
			return apperrors.Wrap(err, "decode workspace snapshot")
		}
	}
	for _, id := range r.workspaces.AllConversationIDs() {
		msgs, err := store.LoadMessageSession(id)
		if err != nil {
			r.logger.WithConversationID(id).Warn("load message session", zap.Error(err))
			continue
		}
		if len(msgs) > 0 {
			r.msgs.Load(id, msgs)
		}
	}
	for _, id := range r.workspaces.ResetActiveConversations() {
		r.msgs.AddAborted(id, "session_ended")
	}
	return nil
}

// Shutdown terminates assistant sessions and flushes pending writes.
func (r *Router) Shutdown() {
	r.assistant.Cleanup()
	r.msgs.FlushAll()
}
