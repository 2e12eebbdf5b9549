package instance

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/schemaforge/schemaforge/internal/attachment"
	"github.com/schemaforge/schemaforge/internal/blob"
	"github.com/schemaforge/schemaforge/internal/document"
	"github.com/schemaforge/schemaforge/internal/fieldtype"
	"github.com/schemaforge/schemaforge/internal/models"
	"github.com/schemaforge/schemaforge/internal/schema"
	"gorm.io/gorm"
)

type testEnv struct {
	conn        *gorm.DB
	blobs       *blob.FSStore
	attachments *attachment.Manager
	schemas     *schema.Store
	repo        *Repository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	errMigrate := conn.AutoMigrate(
		&models.User{},
		&models.DynamicModel{},
		&models.DynamicField{},
		&models.DynamicFieldChoice{},
		&models.DynamicModelInstance{},
		&models.FileAttachment{},
	)
	if errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	blobs := blob.NewFSStore(t.TempDir())
	attachments := attachment.NewManager(conn, blobs)
	schemas := schema.NewStore(conn, attachments)
	validator := document.NewValidator(conn)
	repo := NewRepository(conn, schemas, validator, attachments, false)
	return &testEnv{conn: conn, blobs: blobs, attachments: attachments, schemas: schemas, repo: repo}
}

// invoiceModel builds the recurring fixture: required unique decimal amount,
// required status choice, optional contract file.
func (e *testEnv) invoiceModel(t *testing.T) *models.DynamicModel {
	t.Helper()
	ctx := context.Background()
	model, errModel := e.schemas.CreateModel(ctx, "invoice", 1)
	if errModel != nil {
		t.Fatalf("create model: %v", errModel)
	}
	if _, err := e.schemas.CreateField(ctx, model.ID, 1, schema.FieldParams{
		Name: "amount", FieldType: fieldtype.Decimal, IsRequired: true, IsUnique: true, DisplayOrder: 1,
	}); err != nil {
		t.Fatalf("create amount: %v", err)
	}
	status, errStatus := e.schemas.CreateField(ctx, model.ID, 1, schema.FieldParams{
		Name: "status", FieldType: fieldtype.Choice, IsRequired: true, DisplayOrder: 2,
	})
	if errStatus != nil {
		t.Fatalf("create status: %v", errStatus)
	}
	for i, value := range []string{"draft", "sent", "paid"} {
		if _, err := e.schemas.AddChoice(ctx, status.ID, value, value, i); err != nil {
			t.Fatalf("add choice: %v", err)
		}
	}
	if _, err := e.schemas.CreateField(ctx, model.ID, 1, schema.FieldParams{
		Name: "contract", FieldType: fieldtype.File, DisplayOrder: 3,
	}); err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return model
}

func TestCreateValidatesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	model := env.invoiceModel(t)
	ctx := context.Background()

	row, fieldErrors, errCreate := env.repo.Create(ctx, model.ID, 1, map[string]any{
		"amount": "100.00",
		"status": "draft",
	}, nil)
	if errCreate != nil || !fieldErrors.Empty() {
		t.Fatalf("create: %v, errors %v", errCreate, fieldErrors)
	}

	var doc map[string]any
	if err := json.Unmarshal(row.Document, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["amount"] != "100.00" || doc["status"] != "draft" {
		t.Fatalf("document = %v", doc)
	}

	// Validation failures produce a field error map and no row.
	_, fieldErrors, errCreate = env.repo.Create(ctx, model.ID, 1, map[string]any{
		"amount": "100.00",
		"status": "bogus",
	}, nil)
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	if fieldErrors.Empty() {
		t.Fatal("expected field errors")
	}
	if fieldErrors["amount"] != "This value must be unique." {
		t.Fatalf("amount = %q", fieldErrors["amount"])
	}
	if !strings.Contains(fieldErrors["status"], "Invalid choice: bogus") {
		t.Fatalf("status = %q", fieldErrors["status"])
	}

	var count int64
	env.conn.Model(&models.DynamicModelInstance{}).Count(&count)
	if count != 1 {
		t.Fatalf("instances = %d, want 1", count)
	}
}

func TestCreateCommitsUploads(t *testing.T) {
	env := newTestEnv(t)
	model := env.invoiceModel(t)
	ctx := context.Background()

	row, fieldErrors, errCreate := env.repo.Create(ctx, model.ID, 1, map[string]any{
		"amount": "50.00",
		"status": "sent",
	}, map[string]attachment.Upload{
		"contract": {Filename: "Terms.PDF", Content: strings.NewReader("pdf bytes")},
	})
	if errCreate != nil || !fieldErrors.Empty() {
		t.Fatalf("create: %v, errors %v", errCreate, fieldErrors)
	}

	atts, errList := env.attachments.ForInstance(ctx, row.ID)
	if errList != nil {
		t.Fatalf("list attachments: %v", errList)
	}
	if len(atts) != 1 {
		t.Fatalf("attachments = %d, want 1", len(atts))
	}
	if atts[0].FileName != "Terms" || atts[0].FileExtension != ".pdf" {
		t.Fatalf("attachment = %+v", atts[0])
	}

	var doc map[string]any
	if err := json.Unmarshal(row.Document, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	meta, ok := doc["contract"].(map[string]any)
	if !ok || meta["file_name"] != "Terms" || meta["file_extension"] != ".pdf" {
		t.Fatalf("contract metadata = %v", doc["contract"])
	}
}

func TestUpdateExcludesSelfFromUniqueness(t *testing.T) {
	env := newTestEnv(t)
	model := env.invoiceModel(t)
	ctx := context.Background()

	row, _, errCreate := env.repo.Create(ctx, model.ID, 1, map[string]any{
		"amount": "100.00",
		"status": "draft",
	}, nil)
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	updated, fieldErrors, errUpdate := env.repo.Update(ctx, row.ID, map[string]any{
		"amount": "100.00",
		"status": "paid",
	}, nil)
	if errUpdate != nil {
		t.Fatalf("update: %v", errUpdate)
	}
	if !fieldErrors.Empty() {
		t.Fatalf("self-update flagged: %v", fieldErrors)
	}

	var doc map[string]any
	if err := json.Unmarshal(updated.Document, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["status"] != "paid" {
		t.Fatalf("status = %v", doc["status"])
	}

	// A sibling instance still collides.
	other, _, errOther := env.repo.Create(ctx, model.ID, 1, map[string]any{
		"amount": "200.00",
		"status": "draft",
	}, nil)
	if errOther != nil {
		t.Fatalf("create sibling: %v", errOther)
	}
	_, fieldErrors, errUpdate = env.repo.Update(ctx, other.ID, map[string]any{
		"amount": "100.00",
		"status": "draft",
	}, nil)
	if errUpdate != nil {
		t.Fatalf("update sibling: %v", errUpdate)
	}
	if fieldErrors["amount"] != "This value must be unique." {
		t.Fatalf("amount = %q", fieldErrors["amount"])
	}
}

func TestSearchMatchesSubstring(t *testing.T) {
	env := newTestEnv(t)
	model := env.invoiceModel(t)
	ctx := context.Background()

	for _, doc := range []map[string]any{
		{"amount": "100.00", "status": "draft"},
		{"amount": "250.50", "status": "paid"},
	} {
		if _, fieldErrors, err := env.repo.Create(ctx, model.ID, 1, doc, nil); err != nil || !fieldErrors.Empty() {
			t.Fatalf("seed: %v, errors %v", err, fieldErrors)
		}
	}

	rows, errSearch := env.repo.Search(ctx, "250.5")
	if errSearch != nil {
		t.Fatalf("search: %v", errSearch)
	}
	if len(rows) != 1 {
		t.Fatalf("results = %d, want 1", len(rows))
	}
	if rows[0].DynamicModel == nil || rows[0].DynamicModel.Name != "invoice" {
		t.Fatalf("schema not preloaded: %+v", rows[0].DynamicModel)
	}

	// Case-insensitive by default.
	rows, errSearch = env.repo.Search(ctx, "PAID")
	if errSearch != nil {
		t.Fatalf("search: %v", errSearch)
	}
	if len(rows) != 1 {
		t.Fatalf("case-insensitive results = %d, want 1", len(rows))
	}

	// LIKE metacharacters are literal.
	rows, errSearch = env.repo.Search(ctx, "100%")
	if errSearch != nil {
		t.Fatalf("search: %v", errSearch)
	}
	if len(rows) != 0 {
		t.Fatalf("wildcard leaked: %d results", len(rows))
	}
}

func TestDeleteCascadesToAttachments(t *testing.T) {
	env := newTestEnv(t)
	model := env.invoiceModel(t)
	ctx := context.Background()

	row, fieldErrors, errCreate := env.repo.Create(ctx, model.ID, 1, map[string]any{
		"amount": "75.00",
		"status": "sent",
	}, map[string]attachment.Upload{
		"contract": {Filename: "scan.pdf", Content: strings.NewReader("x")},
	})
	if errCreate != nil || !fieldErrors.Empty() {
		t.Fatalf("create: %v, errors %v", errCreate, fieldErrors)
	}

	atts, _ := env.attachments.ForInstance(ctx, row.ID)
	if len(atts) != 1 {
		t.Fatalf("attachments = %d", len(atts))
	}
	blobKey := atts[0].BlobKey

	if errDelete := env.repo.Delete(ctx, row.ID); errDelete != nil {
		t.Fatalf("delete: %v", errDelete)
	}

	if _, errGet := env.repo.Get(ctx, row.ID); !errors.Is(errGet, schema.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", errGet)
	}
	var count int64
	env.conn.Model(&models.FileAttachment{}).Count(&count)
	if count != 0 {
		t.Fatalf("attachment rows = %d", count)
	}
	if _, errOpen := env.blobs.Open(ctx, blobKey); errOpen == nil {
		t.Fatal("blob survived delete")
	}
}

func TestListReturnsCreationOrder(t *testing.T) {
	env := newTestEnv(t)
	model := env.invoiceModel(t)
	ctx := context.Background()

	amounts := []string{"1.00", "2.00", "3.00"}
	for _, amount := range amounts {
		if _, fieldErrors, err := env.repo.Create(ctx, model.ID, 1, map[string]any{
			"amount": amount, "status": "draft",
		}, nil); err != nil || !fieldErrors.Empty() {
			t.Fatalf("seed %s: %v, errors %v", amount, err, fieldErrors)
		}
	}

	rows, errList := env.repo.List(ctx, model.ID)
	if errList != nil {
		t.Fatalf("list: %v", errList)
	}
	if len(rows) != len(amounts) {
		t.Fatalf("rows = %d", len(rows))
	}
	for i, row := range rows {
		var doc map[string]any
		if err := json.Unmarshal(row.Document, &doc); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if doc["amount"] != amounts[i] {
			t.Fatalf("row %d amount = %v, want %s", i, doc["amount"], amounts[i])
		}
	}
}
