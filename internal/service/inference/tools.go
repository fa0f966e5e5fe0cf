package inference

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const editStudentProfileTool = "editStudentProfile"

type editProfileParams struct {
	TeacherComment string `json:"teacherComment"`
}

type editProfileTool struct {
	profiles  ProfileGateway
	studentID string
	teacherID string
	fallback  string
}

// newEditProfileTool binds the profile editor to one student and teacher.
// fallback is recorded when the model calls the tool without a comment.
func newEditProfileTool(profiles ProfileGateway, studentID, teacherID, fallback string) tool.InvokableTool {
	t := &editProfileTool{profiles: profiles, studentID: studentID, teacherID: teacherID, fallback: fallback}
	info := &schema.ToolInfo{
		Name: editStudentProfileTool,
		Desc: "Update a student's profile with a teacher's observation or comment about the given student.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"teacherComment": {
				Desc:     "The observation or note about student to be added",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, t.run)
}

func (t *editProfileTool) run(ctx context.Context, params *editProfileParams) (string, error) {
	comment := t.fallback
	if params != nil && strings.TrimSpace(params.TeacherComment) != "" {
		comment = strings.TrimSpace(params.TeacherComment)
	}
	if comment == "" {
		return "", errors.New("teacherComment must not be empty")
	}
	return t.profiles.EditStudentProfile(ctx, t.studentID, t.teacherID, comment)
}
