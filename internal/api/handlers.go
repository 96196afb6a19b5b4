package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"AgentSwarm/internal/agent"
	"AgentSwarm/internal/audit"
	xerrors "AgentSwarm/internal/errors"
	"AgentSwarm/internal/mutation"
	"AgentSwarm/internal/policy"
	"AgentSwarm/internal/registry"
)

func (s *Server) health(c *gin.Context) {
	counts := map[agent.State]int{}
	if s.deps.Registry != nil {
		counts = s.deps.Registry.Counts()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "instances": counts})
}

type archetypeView struct {
	Type         agent.Archetype  `json:"type"`
	Capabilities []string         `json:"capabilities"`
	RuntimeLimit string           `json:"runtime_limit,omitempty"`
	Replication  replicationView  `json:"replication"`
	Target       agent.Archetype  `json:"mutation_target,omitempty"`
	Meta         bool             `json:"meta,omitempty"`
	Decision     *policy.Decision `json:"decision,omitempty"`
}

type replicationView struct {
	Limit  int    `json:"limit"`
	Window string `json:"window,omitempty"`
}

func (s *Server) listArchetypes(c *gin.Context) {
	if s.deps.Registry == nil {
		writeError(c, xerrors.New(xerrors.CodeInitializationFailure, "注册表未初始化"))
		return
	}
	specs := s.deps.Registry.Catalog().Specs()
	views := make([]archetypeView, 0, len(specs))
	for _, spec := range specs {
		view := archetypeView{
			Type:         spec.Type,
			Capabilities: spec.Capabilities,
			Replication:  replicationView{Limit: spec.Replication.Limit},
			Target:       spec.MutationTarget,
			Meta:         spec.Meta,
		}
		if spec.RuntimeLimit > 0 {
			view.RuntimeLimit = spec.RuntimeLimit.String()
		}
		if spec.Replication.Window > 0 {
			view.Replication.Window = spec.Replication.Window.String()
		}
		if s.deps.Gate != nil {
			decision := s.deps.Gate.Validate(spec)
			view.Decision = &decision
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, gin.H{"archetypes": views})
}

type admitRequest struct {
	Archetype string `json:"archetype" binding:"required"`
	ParentID  string `json:"parent_id"`
}

func (s *Server) admit(c *gin.Context) {
	var req admitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	var opts []registry.AdmitOption
	if req.ParentID != "" {
		opts = append(opts, registry.WithParent(req.ParentID))
	}
	id, err := s.deps.Registry.Admit(c.Request.Context(), agent.Archetype(strings.TrimSpace(req.Archetype)), opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	inst, err := s.deps.Registry.Get(id)
	if err != nil {
		// 实例可能在返回前已被巡检退役。
		c.JSON(http.StatusCreated, gin.H{"id": id})
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) listAgents(c *gin.Context) {
	var instances []agent.Instance
	if capability := c.Query("capability"); capability != "" {
		instances = s.deps.Registry.List(capability)
	} else {
		var states []agent.State
		for _, raw := range c.QueryArray("state") {
			for _, part := range strings.Split(raw, ",") {
				if part = strings.TrimSpace(part); part != "" {
					states = append(states, agent.State(part))
				}
			}
		}
		instances = s.deps.Registry.Instances(states...)
	}
	if instances == nil {
		instances = []agent.Instance{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": instances})
}

func (s *Server) getAgent(c *gin.Context) {
	inst, err := s.deps.Registry.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

type eventRequest struct {
	Event string `json:"event" binding:"required"`
}

func (s *Server) transition(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	inst, err := s.deps.Registry.Transition(c.Request.Context(), c.Param("id"), agent.Event(req.Event))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) submitTask(c *gin.Context) {
	if s.deps.Tasks == nil {
		writeError(c, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req agent.Task
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		job, err := s.deps.Tasks.Enqueue(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, job)
		return
	}

	ctx := c.Request.Context()
	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()
	}
	result, err := s.deps.Tasks.Submit(ctx, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getTask(c *gin.Context) {
	if s.deps.Tasks == nil {
		writeError(c, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	job, err := s.deps.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) listSignals(c *gin.Context) {
	if s.deps.Signals == nil {
		c.JSON(http.StatusOK, gin.H{"signals": []mutation.Signal{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": s.deps.Signals.Signals()})
}

func (s *Server) raiseSignal(c *gin.Context) {
	s.toggleSignal(c, true)
}

func (s *Server) clearSignal(c *gin.Context) {
	s.toggleSignal(c, false)
}

func (s *Server) toggleSignal(c *gin.Context, raise bool) {
	if s.deps.Signals == nil {
		writeError(c, xerrors.New(xerrors.CodeInitializationFailure, "变异评估器未初始化"))
		return
	}
	signal := mutation.Signal(c.Param("signal"))
	var err error
	if raise {
		err = s.deps.Signals.Raise(signal)
	} else {
		err = s.deps.Signals.Clear(signal)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": s.deps.Signals.Signals()})
}

func (s *Server) listAudit(c *gin.Context) {
	if s.deps.Audit == nil {
		writeError(c, xerrors.New(xerrors.CodeInitializationFailure, "审计日志未初始化"))
		return
	}
	query := audit.Query{
		InstanceID: c.Query("instance_id"),
		Event:      audit.Event(c.Query("event")),
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "since 必须是 RFC3339 时间")
			return
		}
		query.Since = since
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			badRequest(c, "limit 必须是正整数")
			return
		}
		query.Limit = limit
	}
	records, err := s.deps.Audit.List(c.Request.Context(), query)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}
