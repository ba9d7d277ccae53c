package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gogithub "github.com/google/go-github/v60/github"
)

// Board is a Projects v2 board and its configured fields.
type Board struct {
	ID     string
	Title  string
	Fields []BoardField
}

// BoardField is one field on a board. Single-select fields carry their
// allowed options.
type BoardField struct {
	ID      string
	Name    string
	Options []BoardFieldOption
}

// BoardFieldOption is one allowed value of a single-select field.
type BoardFieldOption struct {
	ID   string
	Name string
}

// Boards performs Projects v2 operations. The v2 API is GraphQL-only,
// so requests go through the client's raw request machinery against
// the graphql endpoint.
type Boards struct {
	client *gogithub.Client
}

// NewBoards wraps a GitHub client for project-board operations.
func NewBoards(client *gogithub.Client) *Boards {
	return &Boards{client: client}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do runs a GraphQL query or mutation and decodes the data payload into out.
func (b *Boards) do(ctx context.Context, query string, vars map[string]any, out any) error {
	req, err := b.client.NewRequest("POST", "graphql", graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("creating graphql request: %w", err)
	}

	var resp graphQLResponse
	if _, err := b.client.Do(ctx, req, &resp); err != nil {
		return fmt.Errorf("graphql request: %w", err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, len(resp.Errors))
		for i, e := range resp.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("graphql error: %s", strings.Join(msgs, "; "))
	}

	if out != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decoding graphql response: %w", err)
		}
	}
	return nil
}

const getBoardQuery = `
query($org: String!, $number: Int!) {
  organization(login: $org) {
    projectV2(number: $number) {
      id
      title
      fields(first: 50) {
        nodes {
          ... on ProjectV2FieldCommon { id name }
          ... on ProjectV2SingleSelectField { id name options { id name } }
        }
      }
    }
  }
}`

// GetBoard looks up an organization project board by number.
func (b *Boards) GetBoard(ctx context.Context, org string, number int) (*Board, error) {
	var data struct {
		Organization struct {
			ProjectV2 *struct {
				ID     string `json:"id"`
				Title  string `json:"title"`
				Fields struct {
					Nodes []struct {
						ID      string `json:"id"`
						Name    string `json:"name"`
						Options []struct {
							ID   string `json:"id"`
							Name string `json:"name"`
						} `json:"options"`
					} `json:"nodes"`
				} `json:"fields"`
			} `json:"projectV2"`
		} `json:"organization"`
	}

	err := b.do(ctx, getBoardQuery, map[string]any{"org": org, "number": number}, &data)
	if err != nil {
		return nil, fmt.Errorf("getting board %s/%d: %w", org, number, err)
	}
	if data.Organization.ProjectV2 == nil {
		return nil, fmt.Errorf("board %s/%d not found", org, number)
	}

	board := &Board{
		ID:    data.Organization.ProjectV2.ID,
		Title: data.Organization.ProjectV2.Title,
	}
	for _, f := range data.Organization.ProjectV2.Fields.Nodes {
		if f.ID == "" {
			continue
		}
		field := BoardField{ID: f.ID, Name: f.Name}
		for _, o := range f.Options {
			field.Options = append(field.Options, BoardFieldOption{ID: o.ID, Name: o.Name})
		}
		board.Fields = append(board.Fields, field)
	}
	return board, nil
}

const addItemMutation = `
mutation($project: ID!, $content: ID!) {
  addProjectV2ItemById(input: {projectId: $project, contentId: $content}) {
    item { id }
  }
}`

// AddItem places an issue on the board and returns the board item ID.
// Adding an issue that is already present returns its existing item.
func (b *Boards) AddItem(ctx context.Context, boardID, issueNodeID string) (string, error) {
	var data struct {
		AddProjectV2ItemByID struct {
			Item struct {
				ID string `json:"id"`
			} `json:"item"`
		} `json:"addProjectV2ItemById"`
	}

	err := b.do(ctx, addItemMutation, map[string]any{"project": boardID, "content": issueNodeID}, &data)
	if err != nil {
		return "", fmt.Errorf("adding board item: %w", err)
	}
	return data.AddProjectV2ItemByID.Item.ID, nil
}

const setTextFieldMutation = `
mutation($project: ID!, $item: ID!, $field: ID!, $text: String!) {
  updateProjectV2ItemFieldValue(input: {projectId: $project, itemId: $item, fieldId: $field, value: {text: $text}}) {
    projectV2Item { id }
  }
}`

const setSelectFieldMutation = `
mutation($project: ID!, $item: ID!, $field: ID!, $option: String!) {
  updateProjectV2ItemFieldValue(input: {projectId: $project, itemId: $item, fieldId: $field, value: {singleSelectOptionId: $option}}) {
    projectV2Item { id }
  }
}`

// SetField writes a field value on a board item. Single-select fields
// resolve the value against their option names case-insensitively;
// plain fields take the value as text.
func (b *Boards) SetField(ctx context.Context, board *Board, itemID, fieldName, value string) error {
	var field *BoardField
	for i := range board.Fields {
		if strings.EqualFold(board.Fields[i].Name, fieldName) {
			field = &board.Fields[i]
			break
		}
	}
	if field == nil {
		return fmt.Errorf("board has no field %q", fieldName)
	}

	if len(field.Options) > 0 {
		for _, o := range field.Options {
			if strings.EqualFold(o.Name, value) {
				return b.do(ctx, setSelectFieldMutation, map[string]any{
					"project": board.ID, "item": itemID, "field": field.ID, "option": o.ID,
				}, nil)
			}
		}
		return fmt.Errorf("field %q has no option %q", fieldName, value)
	}

	return b.do(ctx, setTextFieldMutation, map[string]any{
		"project": board.ID, "item": itemID, "field": field.ID, "text": value,
	}, nil)
}

const itemPresentQuery = `
query($id: ID!) {
  node(id: $id) {
    ... on Issue {
      projectItems(first: 50) {
        nodes { id project { id } }
      }
    }
  }
}`

// IsItemPresent reports whether an issue already sits on the board,
// returning the existing item ID when it does.
func (b *Boards) IsItemPresent(ctx context.Context, boardID, issueNodeID string) (bool, string, error) {
	var data struct {
		Node struct {
			ProjectItems struct {
				Nodes []struct {
					ID      string `json:"id"`
					Project struct {
						ID string `json:"id"`
					} `json:"project"`
				} `json:"nodes"`
			} `json:"projectItems"`
		} `json:"node"`
	}

	err := b.do(ctx, itemPresentQuery, map[string]any{"id": issueNodeID}, &data)
	if err != nil {
		return false, "", fmt.Errorf("checking board membership: %w", err)
	}

	for _, n := range data.Node.ProjectItems.Nodes {
		if n.Project.ID == boardID {
			return true, n.ID, nil
		}
	}
	return false, "", nil
}
