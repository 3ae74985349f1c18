package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telekom/csvaudit/pkg/apiresponses"
	"github.com/telekom/csvaudit/pkg/audit"
	"github.com/telekom/csvaudit/pkg/audit/schema"
	"github.com/telekom/csvaudit/pkg/system"
)

// AuditController serves the audit event endpoints under /audit.
type AuditController struct {
	log     *zap.SugaredLogger
	service *audit.Service
}

func NewAuditController(log *zap.SugaredLogger, service *audit.Service) *AuditController {
	return &AuditController{log: log, service: service}
}

func (ac *AuditController) BasePath() string {
	return "audit"
}

func (ac *AuditController) Handlers() []gin.HandlerFunc {
	return nil
}

func (ac *AuditController) Register(rg *gin.RouterGroup) error {
	rg.POST("/:topic", ac.handlePublish)
	rg.GET("/:topic", ac.handleQuery)
	rg.GET("/:topic/_verify", ac.handleVerify)
	rg.GET("/:topic/:id", ac.handleRead)
	return nil
}

type publishResponse struct {
	audit.Resource
	Outcome string `json:"outcome"`
}

// QueryResponse is the body of a query.
type QueryResponse struct {
	Result      []audit.Resource `json:"result"`
	ResultCount int              `json:"resultCount"`
}

func (ac *AuditController) handlePublish(c *gin.Context) {
	topic := c.Param("topic")
	reqLog := system.GetReqLogger(c, ac.log).With(system.EventFields(topic, "")...)

	var doc audit.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		apiresponses.RespondBadRequestWithDetails(c, "event body must be a JSON object", err.Error())
		return
	}
	if doc == nil {
		apiresponses.RespondBadRequest(c, "event body must be a JSON object")
		return
	}
	if _, ok := doc[schema.IDField]; !ok {
		doc[schema.IDField] = uuid.NewString()
	}

	result, err := ac.service.Publish(c.Request.Context(), topic, doc)
	if err != nil {
		apiresponses.RespondAuditError(c, "publish audit event", err, reqLog)
		return
	}
	if result.Outcome == audit.RetriedAndStored {
		reqLog.Infow("Audit event stored after writer reset", "id", result.Resource.ID)
	}
	apiresponses.RespondCreated(c, publishResponse{Resource: result.Resource, Outcome: result.Outcome.String()})
}

func (ac *AuditController) handleQuery(c *gin.Context) {
	topic := c.Param("topic")
	reqLog := system.GetReqLogger(c, ac.log).With(system.EventFields(topic, "")...)

	pred, err := audit.CompileFilter(c.Query("filter"))
	if err != nil {
		apiresponses.RespondAuditError(c, "query audit events", err, reqLog)
		return
	}
	resources, err := ac.service.Query(c.Request.Context(), topic, pred)
	if err != nil {
		apiresponses.RespondAuditError(c, "query audit events", err, reqLog)
		return
	}
	apiresponses.RespondOK(c, QueryResponse{Result: resources, ResultCount: len(resources)})
}

func (ac *AuditController) handleRead(c *gin.Context) {
	topic, id := c.Param("topic"), c.Param("id")
	reqLog := system.GetReqLogger(c, ac.log).With(system.EventFields(topic, id)...)

	resource, err := ac.service.Read(c.Request.Context(), topic, id)
	if err != nil {
		apiresponses.RespondAuditError(c, "read audit event", err, reqLog)
		return
	}
	apiresponses.RespondOK(c, resource)
}

func (ac *AuditController) handleVerify(c *gin.Context) {
	topic := c.Param("topic")
	reqLog := system.GetReqLogger(c, ac.log).With(system.EventFields(topic, "")...)

	report, err := ac.service.Verify(c.Request.Context(), topic)
	if err != nil {
		apiresponses.RespondAuditError(c, "verify audit log", err, reqLog)
		return
	}
	if !report.Valid {
		c.JSON(http.StatusConflict, report)
		return
	}
	apiresponses.RespondOK(c, report)
}
