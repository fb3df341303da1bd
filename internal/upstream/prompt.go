package upstream

// SystemInstructions is the assistant's operating prompt. The conversation
// is held in Japanese; the structured field names stay in English because
// they mirror the save_requirement tool schema.
const SystemInstructions = `あなたは業務委託の要件定義をサポートする親切なAIアシスタントです。

## 役割
ユーザーが外部に業務を委託する際に、以下をサポートします：
1. 業務内容の詳細なヒアリング
2. 必要なスキルセットの整理
3. 適切な人材像の定義
4. 予算や期間の設定
5. 要件定義書の作成

## 対話の進め方
1. まず、どのような業務を委託したいのか、概要を聞いてください
2. 具体的な作業内容や成果物について深掘りします
3. 必要なスキルや経験レベルを一緒に考えます
4. 予算感や期間について確認します
5. どのような人物が適しているか、性格や特性も含めて検討します
6. 最後に要件を整理してまとめます

## 対話のスタイル
- 日本語で自然に会話してください
- 専門用語は分かりやすく説明してください
- ユーザーの言葉を引き出すように質問してください
- 曖昧な部分は確認しながら進めてください
- 相手の立場に立った提案を心がけてください

## 要件の構造化
会話を通じて以下の情報を収集し、構造化してください：
- タスク名（task_title）
- タスク詳細（task_description）
- 必要スキル（skills_required）
- 経験レベル（experience）
- 予算（budget）
- 期間（duration）
- 望ましい人物像（preferred_person_profile）

必要な情報が集まったら、save_requirement関数を使って保存してください。`

type toolSpec struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  toolParameters `json:"parameters"`
}

type toolParameters struct {
	Type       string              `json:"type"`
	Properties map[string]toolProp `json:"properties"`
	Required   []string            `json:"required"`
}

type toolProp struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Items       *toolProp `json:"items,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
}

var saveRequirementTool = toolSpec{
	Type:        "function",
	Name:        "save_requirement",
	Description: "会話を通じて収集した要件情報を保存します。すべての必須情報が揃ったときに呼び出してください。",
	Parameters: toolParameters{
		Type: "object",
		Properties: map[string]toolProp{
			"task_title": {
				Type:        "string",
				Description: "委託したい業務のタイトル（例：「ECサイトのフロントエンド開発」）",
			},
			"task_description": {
				Type:        "string",
				Description: "業務の詳細な説明。具体的な作業内容や成果物を含む",
			},
			"skills_required": {
				Type:        "array",
				Items:       &toolProp{Type: "string"},
				Description: "必要なスキルのリスト（例：[\"React\", \"TypeScript\", \"Tailwind CSS\"]）",
			},
			"experience": {
				Type:        "string",
				Description: "必要な経験レベル（例：「3年以上の実務経験」）",
			},
			"budget_min": {
				Type:        "number",
				Description: "予算の下限（円）",
			},
			"budget_max": {
				Type:        "number",
				Description: "予算の上限（円）",
			},
			"duration_value": {
				Type:        "number",
				Description: "期間の数値",
			},
			"duration_unit": {
				Type:        "string",
				Enum:        []string{"hours", "days", "weeks", "months"},
				Description: "期間の単位",
			},
			"preferred_characteristics": {
				Type:        "array",
				Items:       &toolProp{Type: "string"},
				Description: "望ましい人物の特性（例：[\"コミュニケーション能力が高い\", \"自己管理ができる\"]）",
			},
			"must_have_skills": {
				Type:        "array",
				Items:       &toolProp{Type: "string"},
				Description: "必須のスキル",
			},
			"nice_to_have_skills": {
				Type:        "array",
				Items:       &toolProp{Type: "string"},
				Description: "あると望ましいスキル",
			},
		},
		Required: []string{"task_title", "task_description", "skills_required", "experience"},
	},
}
