package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("Quarterly report (final).pdf"))
	assert.True(t, ValidName("相册"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName("   "))
	assert.False(t, ValidName(".."))
	assert.False(t, ValidName("a/b"))
	assert.False(t, ValidName("bad\x00name"))
	assert.False(t, ValidName(strings.Repeat("x", MaxNameBytes+1)))
}

type folderRequest struct {
	FolderName string `validate:"required,drivename"`
}

type shareRequest struct {
	Username string `validate:"required,username"`
}

func TestValidateStructured(t *testing.T) {
	v := New()

	assert.Nil(t, v.ValidateStructured(folderRequest{FolderName: "Photos"}))

	errs := v.ValidateStructured(folderRequest{FolderName: "a/b"})
	assert.Equal(t, "Invalid name", errs["FolderName"])

	errs = v.ValidateStructured(folderRequest{})
	assert.Equal(t, "This field is required", errs["FolderName"])

	errs = v.ValidateStructured(shareRequest{Username: "bob smith"})
	assert.Equal(t, "Invalid username", errs["Username"])
	assert.Nil(t, v.ValidateStructured(shareRequest{Username: "bob.smith"}))
}

func TestValidate_FormatsMessage(t *testing.T) {
	err := New().Validate(folderRequest{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "FolderName")
}
