package schema

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/schemaforge/schemaforge/internal/fieldtype"
	"github.com/schemaforge/schemaforge/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// recordingReleaser records cascade calls so tests can assert blob cleanup
// ordering without a real blob store.
type recordingReleaser struct {
	modelIDs []uint64
	fieldIDs []uint64
}

func (r *recordingReleaser) ReleaseAllForModel(_ context.Context, modelID uint64) error {
	r.modelIDs = append(r.modelIDs, modelID)
	return nil
}

func (r *recordingReleaser) ReleaseAllForField(_ context.Context, fieldID uint64) error {
	r.fieldIDs = append(r.fieldIDs, fieldID)
	return nil
}

func newTestStore(t *testing.T) (*Store, *gorm.DB, *recordingReleaser) {
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
	releaser := &recordingReleaser{}
	return NewStore(conn, releaser), conn, releaser
}

func TestCreateModelRejectsDuplicateName(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateModel(ctx, "invoice", 1); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Name uniqueness is store-wide, not per owner.
	if _, err := store.CreateModel(ctx, "invoice", 2); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("want ErrNameTaken, got %v", err)
	}
	if _, err := store.CreateModel(ctx, "  ", 1); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("want ErrInvalidDefinition for blank name, got %v", err)
	}
}

func TestCreateFieldInvariants(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	model, _ := store.CreateModel(ctx, "invoice", 1)

	if _, err := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "amount", FieldType: fieldtype.Decimal,
	}); err != nil {
		t.Fatalf("create field: %v", err)
	}

	if _, err := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "amount", FieldType: fieldtype.Integer,
	}); !errors.Is(err, ErrFieldNameTaken) {
		t.Fatalf("want ErrFieldNameTaken, got %v", err)
	}

	if _, err := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "contract", FieldType: fieldtype.File, IsUnique: true,
	}); !errors.Is(err, ErrFileFieldUnique) {
		t.Fatalf("want ErrFileFieldUnique, got %v", err)
	}

	if _, err := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "customer", FieldType: fieldtype.ForeignKey,
	}); !errors.Is(err, ErrRelationTargetMissing) {
		t.Fatalf("want ErrRelationTargetMissing for nil target, got %v", err)
	}

	missing := uint64(9999)
	if _, err := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "customer", FieldType: fieldtype.ForeignKey, RelatedModelID: &missing,
	}); !errors.Is(err, ErrRelationTargetMissing) {
		t.Fatalf("want ErrRelationTargetMissing for absent target, got %v", err)
	}

	if _, err := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "status", FieldType: "color",
	}); !errors.Is(err, fieldtype.ErrUnknownFieldType) {
		t.Fatalf("want ErrUnknownFieldType, got %v", err)
	}

	if _, err := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "bad name", FieldType: fieldtype.TextShort,
	}); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("want ErrInvalidDefinition for name with space, got %v", err)
	}
}

func TestCreateFieldSameNameAcrossModels(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	first, _ := store.CreateModel(ctx, "invoice", 1)
	second, _ := store.CreateModel(ctx, "receipt", 1)

	if _, err := store.CreateField(ctx, first.ID, 1, FieldParams{Name: "amount", FieldType: fieldtype.Decimal}); err != nil {
		t.Fatalf("field on first: %v", err)
	}
	if _, err := store.CreateField(ctx, second.ID, 1, FieldParams{Name: "amount", FieldType: fieldtype.Decimal}); err != nil {
		t.Fatalf("same name on second model should pass: %v", err)
	}
}

func TestUpdateFieldTypeChange(t *testing.T) {
	store, conn, _ := newTestStore(t)
	ctx := context.Background()
	model, _ := store.CreateModel(ctx, "invoice", 1)
	field, errCreate := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "amount", FieldType: fieldtype.Decimal,
	})
	if errCreate != nil {
		t.Fatalf("create field: %v", errCreate)
	}

	// Empty field: type may change freely.
	updated, errUpdate := store.UpdateField(ctx, field.ID, FieldParams{
		Name: "amount", FieldType: fieldtype.Integer,
	})
	if errUpdate != nil {
		t.Fatalf("type change on empty field: %v", errUpdate)
	}
	if updated.FieldType != fieldtype.Integer {
		t.Fatalf("field type = %s", updated.FieldType)
	}

	instance := models.DynamicModelInstance{
		DynamicModelID: model.ID,
		CreatedByID:    1,
		Document:       datatypes.JSON(`{"amount": 42}`),
	}
	if err := conn.Create(&instance).Error; err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	if _, err := store.UpdateField(ctx, field.ID, FieldParams{
		Name: "amount", FieldType: fieldtype.TextShort,
	}); !errors.Is(err, ErrTypeChangeUnsupported) {
		t.Fatalf("want ErrTypeChangeUnsupported, got %v", err)
	}

	// Non-type attributes still update on a populated field.
	if _, err := store.UpdateField(ctx, field.ID, FieldParams{
		Name: "amount", FieldType: fieldtype.Integer, IsRequired: true,
	}); err != nil {
		t.Fatalf("attribute update: %v", err)
	}
}

func TestDeleteFieldReleasesFileAttachments(t *testing.T) {
	store, conn, releaser := newTestStore(t)
	ctx := context.Background()
	model, _ := store.CreateModel(ctx, "invoice", 1)

	fileField, errFile := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "contract", FieldType: fieldtype.File,
	})
	if errFile != nil {
		t.Fatalf("create file field: %v", errFile)
	}
	textField, errText := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "notes", FieldType: fieldtype.TextLong,
	})
	if errText != nil {
		t.Fatalf("create text field: %v", errText)
	}

	if err := store.DeleteField(ctx, textField.ID); err != nil {
		t.Fatalf("delete text field: %v", err)
	}
	if len(releaser.fieldIDs) != 0 {
		t.Fatalf("text field delete released attachments: %v", releaser.fieldIDs)
	}

	if err := store.DeleteField(ctx, fileField.ID); err != nil {
		t.Fatalf("delete file field: %v", err)
	}
	if len(releaser.fieldIDs) != 1 || releaser.fieldIDs[0] != fileField.ID {
		t.Fatalf("released field IDs = %v", releaser.fieldIDs)
	}

	var count int64
	conn.Model(&models.DynamicField{}).Where("dynamic_model_id = ?", model.ID).Count(&count)
	if count != 0 {
		t.Fatalf("fields remaining = %d", count)
	}
}

func TestDeleteModelCascades(t *testing.T) {
	store, conn, releaser := newTestStore(t)
	ctx := context.Background()
	model, _ := store.CreateModel(ctx, "invoice", 1)
	field, _ := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "status", FieldType: fieldtype.Choice,
	})
	if _, err := store.AddChoice(ctx, field.ID, "draft", "Draft", 0); err != nil {
		t.Fatalf("add choice: %v", err)
	}
	instance := models.DynamicModelInstance{
		DynamicModelID: model.ID,
		CreatedByID:    1,
		Document:       datatypes.JSON(`{"status": "draft"}`),
	}
	if err := conn.Create(&instance).Error; err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	if err := store.DeleteModel(ctx, model.ID); err != nil {
		t.Fatalf("delete model: %v", err)
	}
	if len(releaser.modelIDs) != 1 || releaser.modelIDs[0] != model.ID {
		t.Fatalf("released model IDs = %v", releaser.modelIDs)
	}

	for _, probe := range []struct {
		name  string
		model any
	}{
		{"instances", &models.DynamicModelInstance{}},
		{"fields", &models.DynamicField{}},
		{"choices", &models.DynamicFieldChoice{}},
		{"models", &models.DynamicModel{}},
	} {
		var count int64
		conn.Model(probe.model).Count(&count)
		if count != 0 {
			t.Fatalf("%s remaining = %d", probe.name, count)
		}
	}

	if _, err := store.GetModel(ctx, model.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}

func TestAddChoiceOnlyOnChoiceFields(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	model, _ := store.CreateModel(ctx, "invoice", 1)
	field, _ := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "amount", FieldType: fieldtype.Decimal,
	})

	if _, err := store.AddChoice(ctx, field.ID, "x", "X", 0); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("want ErrInvalidDefinition, got %v", err)
	}
}

func TestFieldsOrderedByDisplayOrder(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	model, _ := store.CreateModel(ctx, "invoice", 1)

	for _, tc := range []struct {
		name  string
		order int
	}{
		{"third", 3},
		{"first", 1},
		{"second", 2},
	} {
		if _, err := store.CreateField(ctx, model.ID, 1, FieldParams{
			Name: tc.name, FieldType: fieldtype.TextShort, DisplayOrder: tc.order,
		}); err != nil {
			t.Fatalf("create %s: %v", tc.name, err)
		}
	}

	fields, errFields := store.Fields(ctx, model.ID)
	if errFields != nil {
		t.Fatalf("fields: %v", errFields)
	}
	got := make([]string, 0, len(fields))
	for _, field := range fields {
		got = append(got, field.Name)
	}
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestRelationTargetClearedForScalarTypes(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	model, _ := store.CreateModel(ctx, "invoice", 1)
	target, _ := store.CreateModel(ctx, "customer", 1)

	field, errCreate := store.CreateField(ctx, model.ID, 1, FieldParams{
		Name: "note", FieldType: fieldtype.TextShort, RelatedModelID: &target.ID,
	})
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	if field.RelatedModelID != nil {
		t.Fatal("scalar field kept a relation target")
	}
}
