package sweep

import (
	"fmt"
	"regexp"
	"strings"

	"parsnip/internal/common"

	"gopkg.in/yaml.v3"
)

// Axis 一个扫描维度：参数名和候选值的有序列表
type Axis struct {
	Name   string
	Values []interface{}
}

// JobInstance 扫描计划里的一个具体作业
type JobInstance struct {
	// Name 由基础名与各维度选中值拼接而成，同一次展开内保证唯一
	Name string
	// Params 本组合中每个维度选中的值
	Params map[string]interface{}
	// Config 占位符替换完成后的配置树
	Config map[string]interface{}
}

// MarshalConfig 将实例配置序列化为 YAML
func (ji JobInstance) MarshalConfig() ([]byte, error) {
	return yaml.Marshal(ji.Config)
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Expand 将带 sweep 段的配置文档展开为具体作业实例序列
//
// 维度按声明顺序排列，组合按最后一个维度变化最快的字典序产出，
// 总数为各维度取值数之积。展开前交叉校验：每个维度必须在模板中
// 出现对应占位符，模板中的占位符也必须有对应维度，否则整个展开
// 失败，不产出任何实例。
func Expand(doc []byte) ([]JobInstance, error) {
	axes, err := extractAxes(doc)
	if err != nil {
		return nil, err
	}
	if len(axes) == 0 {
		return nil, fmt.Errorf("%w: config has no 'sweep' section", common.ErrSweepExpansion)
	}

	var template map[string]interface{}
	if err := yaml.Unmarshal(doc, &template); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrSweepExpansion, err)
	}
	delete(template, "sweep")

	baseName, _ := template["name"].(string)
	if baseName == "" {
		return nil, fmt.Errorf("%w: config has no 'name'", common.ErrSweepExpansion)
	}

	if err := validateAxes(axes, template); err != nil {
		return nil, err
	}

	total := 1
	for _, ax := range axes {
		if len(ax.Values) == 0 {
			return nil, fmt.Errorf("%w: axis %q has no values", common.ErrSweepExpansion, ax.Name)
		}
		total *= len(ax.Values)
	}

	instances := make([]JobInstance, 0, total)
	for i := 0; i < total; i++ {
		params := make(map[string]interface{}, len(axes))

		// 字典序：最后一个维度变化最快
		stride := total
		rem := i
		for _, ax := range axes {
			stride /= len(ax.Values)
			params[ax.Name] = ax.Values[rem/stride]
			rem %= stride
		}

		config := substitute(template, params).(map[string]interface{})

		var nameParts []string
		for _, ax := range axes {
			nameParts = append(nameParts, fmt.Sprintf("%s%v", ax.Name, params[ax.Name]))
		}
		name := baseName + "_" + strings.Join(nameParts, "_")
		config["name"] = name

		instances = append(instances, JobInstance{
			Name:   name,
			Params: params,
			Config: config,
		})
	}

	return instances, nil
}

// extractAxes 解析 sweep 段，保持 YAML 声明顺序
func extractAxes(doc []byte) ([]Axis, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrSweepExpansion, err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: config root must be a mapping", common.ErrSweepExpansion)
	}

	top := root.Content[0]
	var sweepNode *yaml.Node
	for i := 0; i+1 < len(top.Content); i += 2 {
		if top.Content[i].Value == "sweep" {
			sweepNode = top.Content[i+1]
			break
		}
	}
	if sweepNode == nil {
		return nil, nil
	}
	if sweepNode.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: 'sweep' must be a mapping of axis name to value list", common.ErrSweepExpansion)
	}

	var axes []Axis
	for i := 0; i+1 < len(sweepNode.Content); i += 2 {
		name := sweepNode.Content[i].Value
		valueNode := sweepNode.Content[i+1]
		if valueNode.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("%w: axis %q must be a list", common.ErrSweepExpansion, name)
		}
		var values []interface{}
		if err := valueNode.Decode(&values); err != nil {
			return nil, fmt.Errorf("%w: axis %q: %v", common.ErrSweepExpansion, name, err)
		}
		axes = append(axes, Axis{Name: name, Values: values})
	}
	return axes, nil
}

// validateAxes 交叉校验维度与模板占位符
func validateAxes(axes []Axis, template map[string]interface{}) error {
	found := make(map[string]bool)
	collectPlaceholders(template, found)

	declared := make(map[string]bool, len(axes))
	for _, ax := range axes {
		declared[ax.Name] = true
		if !found[ax.Name] {
			return fmt.Errorf("%w: axis %q has no matching {%s} placeholder in template",
				common.ErrSweepExpansion, ax.Name, ax.Name)
		}
	}
	for name := range found {
		if !declared[name] {
			return fmt.Errorf("%w: placeholder {%s} has no matching sweep axis",
				common.ErrSweepExpansion, name)
		}
	}
	return nil
}

func collectPlaceholders(v interface{}, out map[string]bool) {
	switch val := v.(type) {
	case map[string]interface{}:
		for _, item := range val {
			collectPlaceholders(item, out)
		}
	case []interface{}:
		for _, item := range val {
			collectPlaceholders(item, out)
		}
	case string:
		for _, m := range placeholderRe.FindAllStringSubmatch(val, -1) {
			out[m[1]] = true
		}
	}
}

// substitute 递归替换模板中的占位符
//
// 字符串恰好等于单个占位符时整体替换为原生值，保留标量类型；
// 嵌在更长字符串里时做文本替换，列表值折叠为逗号分隔。
func substitute(v interface{}, params map[string]interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = substitute(item, params)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = substitute(item, params)
		}
		return out
	case string:
		return substituteString(val, params)
	default:
		return v
	}
}

func substituteString(s string, params map[string]interface{}) interface{} {
	for name, value := range params {
		placeholder := "{" + name + "}"
		if s == placeholder {
			return value
		}
		if !strings.Contains(s, placeholder) {
			continue
		}
		s = strings.ReplaceAll(s, placeholder, scalarString(value))
	}
	return s
}

func scalarString(v interface{}) string {
	if list, ok := v.([]interface{}); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprintf("%v", v)
}
