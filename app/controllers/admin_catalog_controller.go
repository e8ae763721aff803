package controllers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/apperror"
	"github.com/ManuelReschke/PanelFox/internal/pkg/catalog"
	"github.com/ManuelReschke/PanelFox/internal/pkg/engine"
	"github.com/ManuelReschke/PanelFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PanelFox/internal/pkg/security"
)

// AdminCatalogController manages providers, their catalog cache and the live services.
type AdminCatalogController struct {
	engine *engine.Engine
	secret string
}

// NewAdminCatalogController creates the controller. secret seals provider API keys.
func NewAdminCatalogController(e *engine.Engine, secret string) *AdminCatalogController {
	return &AdminCatalogController{engine: e, secret: secret}
}

type createProviderRequest struct {
	Name    string `json:"name" validate:"required,max=150"`
	APIURL  string `json:"api_url" validate:"required,url,max=500"`
	APIKey  string `json:"api_key" validate:"required"`
	APIType string `json:"api_type" validate:"omitempty,oneof=v2"`
}

// HandleCreateProvider stores a provider with its API key sealed.
func (acc *AdminCatalogController) HandleCreateProvider(c *fiber.Ctx) error {
	var req createProviderRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	sealed, err := security.SealCredential(strings.TrimSpace(req.APIKey), acc.secret)
	if err != nil {
		return respondError(c, err)
	}
	apiType := req.APIType
	if apiType == "" {
		apiType = models.PROVIDER_API_V2
	}
	p := &models.Provider{
		Name:      strings.TrimSpace(req.Name),
		APIURL:    strings.TrimSpace(req.APIURL),
		APIKeyEnc: sealed,
		APIType:   apiType,
		Enabled:   true,
	}
	if err := p.Validate(); err != nil {
		return respondError(c, apperror.Validation("provider", "%v", err))
	}
	if err := acc.engine.Repos.Provider.Create(c.UserContext(), p); err != nil {
		return respondError(c, err)
	}
	log.Infof("[API] Provider %d (%s) created", p.ID, p.Name)
	return c.Status(fiber.StatusCreated).JSON(p)
}

// HandleListProviders lists all providers.
func (acc *AdminCatalogController) HandleListProviders(c *fiber.Ctx) error {
	providers, err := acc.engine.Repos.Provider.List(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"items": providers})
}

// HandleSyncProvider refreshes the catalog cache of a provider. With ?async=true and a job queue
// the sync is queued instead.
func (acc *AdminCatalogController) HandleSyncProvider(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx := c.UserContext()
	if c.QueryBool("async", false) && acc.engine.Queue != nil {
		job, err := jobqueue.EnqueueCatalogSync(ctx, acc.engine.Queue, id)
		if err != nil {
			return respondError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID, "status": job.Status})
	}
	res, err := acc.engine.Catalog.SyncProvider(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

// HandleRefreshProviderBalance asks the provider for its current balance.
func (acc *AdminCatalogController) HandleRefreshProviderBalance(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	res, err := acc.engine.Catalog.RefreshBalance(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"provider_id": id, "balance": models.FormatMoney(res.Balance), "currency": res.Currency})
}

// HandleImportCatalog turns cached remote entries into live services.
func (acc *AdminCatalogController) HandleImportCatalog(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var sel catalog.ImportSelection
	if err := bind(c, &sel); err != nil {
		return respondError(c, err)
	}
	res, err := acc.engine.Catalog.ImportCatalogEntries(c.UserContext(), id, sel)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// HandleAdjustRates sets live rates from the cached provider rates plus markup.
func (acc *AdminCatalogController) HandleAdjustRates(c *fiber.Ctx) error {
	var adj catalog.RateAdjustment
	if err := bind(c, &adj); err != nil {
		return respondError(c, err)
	}
	res, err := acc.engine.Catalog.AdjustLiveRatesFromCache(c.UserContext(), adj)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}

// HandleListServiceUpdates reads the catalog change journal, newest first.
func (acc *AdminCatalogController) HandleListServiceUpdates(c *fiber.Ctx) error {
	filter := repository.ServiceUpdateFilter{
		Type:   models.ServiceUpdateType(c.Query("type")),
		Offset: c.QueryInt("offset", 0),
		Limit:  c.QueryInt("limit", 0),
	}
	var err error
	if filter.ProviderID, err = queryID(c, "provider_id"); err != nil {
		return respondError(c, err)
	}
	if filter.ServiceID, err = queryID(c, "service_id"); err != nil {
		return respondError(c, err)
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return respondError(c, apperror.Validation("since", "expected an RFC 3339 timestamp"))
		}
		filter.Since = &since
	}
	events, err := acc.engine.Catalog.ListServiceUpdates(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"items": events})
}

// HandleCreateService adds a manually priced live service.
func (acc *AdminCatalogController) HandleCreateService(c *fiber.Ctx) error {
	var svc models.Service
	if err := c.BodyParser(&svc); err != nil {
		return respondError(c, apperror.Validation("body", "invalid JSON body"))
	}
	svc.ID = 0
	svc.RatePer1000 = models.RoundMoney(svc.RatePer1000)
	if err := svc.Validate(); err != nil {
		return respondError(c, apperror.Validation("service", "%v", err))
	}
	if svc.ProviderID != nil {
		if _, err := acc.engine.Repos.Provider.GetByID(c.UserContext(), *svc.ProviderID); err != nil {
			return respondError(c, err)
		}
	}
	if err := acc.engine.Repos.Service.Create(c.UserContext(), &svc); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(svc)
}
